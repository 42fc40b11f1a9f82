package vtable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

func TestPropsTableRequiresObjectID(t *testing.T) {
	t.Parallel()
	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st)})

	_, err := query.Execute(context.Background(), "SELECT * FROM props", reg)
	require.Error(t, err)
	code, ok := dbgerr.CodeOf(err)
	require.True(t, ok)
	require.EqualValues(t, dbgerr.MissingRequiredFilter, code)
}

func TestPropsTableParsesCDPResult(t *testing.T) {
	t.Parallel()
	st := state.New()
	exe := newFakeExecutor(executor.KindCDP, st)
	exe.responses["Runtime.getProperties"] = []byte(`{"result":[{"name":"a","value":{"type":"undefined"}}]}`)
	reg := Build(Deps{State: st, Exe: exe})

	res, err := query.Execute(context.Background(), `SELECT * FROM props WHERE object_id = 'o1'`, reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "o1", res.Rows[0][0])
	require.Equal(t, "a", res.Rows[0][1])
	require.Equal(t, "undefined", res.Rows[0][2])
}

// fakeExecutorSeq returns successive canned responses regardless of method,
// for tests that need to script a multi-call sequence (e.g. proto's walk).
type fakeExecutorSeq struct {
	kind      executor.Kind
	st        *state.DebuggerState
	responses []string
	idx       int
}

func (f *fakeExecutorSeq) Kind() executor.Kind { return f.kind }
func (f *fakeExecutorSeq) Disconnect() error   { return nil }

func (f *fakeExecutorSeq) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if f.idx >= len(f.responses) {
		return json.RawMessage(`{}`), nil
	}
	raw := json.RawMessage(f.responses[f.idx])
	f.idx++
	return raw, nil
}

func (f *fakeExecutorSeq) WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	return nil
}

func (f *fakeExecutorSeq) State() *state.DebuggerState { return f.st }

func TestProtoTableWalksUntilNullSubtype(t *testing.T) {
	t.Parallel()
	st := state.New()
	exe := &fakeExecutorSeq{kind: executor.KindCDP, st: st, responses: []string{
		`{"internalProperties":[{"name":"[[Prototype]]","value":{"type":"object","className":"Foo","objectId":"p1"}}]}`,
		`{"internalProperties":[{"name":"[[Prototype]]","value":{"type":"object","subtype":"null"}}]}`,
	}}
	reg := Build(Deps{State: st, Exe: exe})

	res, err := query.Execute(context.Background(), `SELECT * FROM proto WHERE object_id = 'o1'`, reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "o1", res.Rows[0][0])
	require.Equal(t, 1, res.Rows[0][1])
	require.Equal(t, "Foo", res.Rows[0][2])
}

func TestSourceTableResolvesScriptByFileLike(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.Mutate(func(s *state.DebuggerState) {
		s.Scripts["s1"] = state.ScriptInfo{ID: "s1", File: "/app/main.js"}
	})
	exe := newFakeExecutor(executor.KindCDP, st)
	exe.responses["Debugger.getScriptSource"] = []byte(`{"scriptSource":"line1\nline2"}`)
	reg := Build(Deps{State: st, Exe: exe})

	res, err := query.Execute(context.Background(), `SELECT * FROM source WHERE file LIKE '%main.js'`, reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "line1", res.Rows[0][3])
	require.Equal(t, "line2", res.Rows[1][3])
}

func TestSourceTableRequiresFileOrScriptID(t *testing.T) {
	t.Parallel()
	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st)})

	_, err := query.Execute(context.Background(), "SELECT * FROM source", reg)
	require.Error(t, err)
}

func TestNetworkHeadersReadsFromState(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.PutNetworkRequest(&state.NetworkRequest{RequestID: "r1", Headers: map[string]string{"Content-Type": "text/html"}})
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st)})

	res, err := query.Execute(context.Background(), `SELECT * FROM network_headers WHERE request_id = 'r1'`, reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "r1", res.Rows[0][0])
	require.Equal(t, "Content-Type", res.Rows[0][1])
	require.Equal(t, "text/html", res.Rows[0][2])
}

func TestStorageTableRejectsUnknownType(t *testing.T) {
	t.Parallel()
	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st)})

	_, err := query.Execute(context.Background(), `SELECT * FROM storage WHERE type = 'weird'`, reg)
	require.Error(t, err)
}

func TestLikeMatchAnchorsAndEscapesMetacharacters(t *testing.T) {
	t.Parallel()
	require.True(t, likeMatch("%main.js", "/app/main.js"))
	require.False(t, likeMatch("%main.js", "/app/mainXjs"))
	require.False(t, likeMatch("main.js", "/app/main.js"))
}
