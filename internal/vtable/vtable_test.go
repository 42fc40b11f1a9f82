package vtable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

// fakeExecutor answers Send with a scripted response per method, recording
// every call it received for assertions.
type fakeExecutor struct {
	kind      executor.Kind
	st        *state.DebuggerState
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
	params    []interface{}
}

func newFakeExecutor(kind executor.Kind, st *state.DebuggerState) *fakeExecutor {
	return &fakeExecutor{
		kind:      kind,
		st:        st,
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
	}
}

func (f *fakeExecutor) Kind() executor.Kind { return f.kind }
func (f *fakeExecutor) Disconnect() error   { return nil }

func (f *fakeExecutor) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if raw, ok := f.responses[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeExecutor) WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	return nil
}

func (f *fakeExecutor) State() *state.DebuggerState { return f.st }

func TestBuildRegistersAllTables(t *testing.T) {
	t.Parallel()
	st := state.New()
	exe := newFakeExecutor(executor.KindCDP, st)
	reg := Build(Deps{Exe: exe, State: st})

	queries := map[string]string{
		"frames":           "SELECT * FROM frames",
		"scopes":           "SELECT * FROM scopes",
		"vars":             "SELECT * FROM vars",
		"this":             "SELECT * FROM this",
		"breakpoints":      "SELECT * FROM breakpoints",
		"scripts":          "SELECT * FROM scripts",
		"console":          "SELECT * FROM console",
		"exceptions":       "SELECT * FROM exceptions",
		"async_frames":     "SELECT * FROM async_frames",
		"threads":          "SELECT * FROM threads",
		"props":            "SELECT * FROM props WHERE object_id = 'o1'",
		"proto":            "SELECT * FROM proto WHERE object_id = 'o1'",
		"source":           "SELECT * FROM source WHERE script_id = 's1'",
		"listeners":        "SELECT * FROM listeners WHERE object_id = 'o1'",
		"dom":              "SELECT * FROM dom WHERE selector = '.x'",
		"styles":           "SELECT * FROM styles WHERE node_id = '1'",
		"cookies":          "SELECT * FROM cookies",
		"performance":      "SELECT * FROM performance",
		"storage":          "SELECT * FROM storage WHERE type = 'local'",
		"network_body":     "SELECT * FROM network_body WHERE request_id = 'r1'",
		"network_headers":  "SELECT * FROM network_headers WHERE request_id = 'r1'",
		"events":           "SELECT * FROM events",
		"cdp":              "SELECT * FROM cdp",
		"cdp_messages":     "SELECT * FROM cdp_messages",
		"connections":      "SELECT * FROM connections",
		"timeline":         "SELECT * FROM timeline",
		"proc_output":      "SELECT * FROM proc_output",
	}
	for name, raw := range queries {
		_, err := query.Execute(context.Background(), raw, reg)
		require.NoErrorf(t, err, "table %q should be registered and fetchable", name)
	}
}

func TestFindFilterMatchesEqualityAndLikeCaseInsensitive(t *testing.T) {
	t.Parallel()
	where := query.Binary{
		Op:   "AND",
		Left: query.Comparison{Column: "Object_ID", Op: "=", Literal: query.Literal{IsString: true, Str: "obj1"}},
		Right: query.Comparison{Column: "name", Op: "LIKE", Literal: query.Literal{IsString: true, Str: "foo%"}},
	}

	id, ok := requireFilterString(where, "object_id")
	require.True(t, ok)
	require.Equal(t, "obj1", id)

	name, ok := requireFilterString(where, "name")
	require.True(t, ok)
	require.Equal(t, "foo%", name)

	_, ok = requireFilterString(where, "missing")
	require.False(t, ok)
}
