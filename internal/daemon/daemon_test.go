package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/config"
	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/session"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

// fakeExecutor mirrors internal/vtable's test double: a scripted Send with
// call recording, installed directly on a Session so Dispatch can be
// exercised without a real inspector target.
type fakeExecutor struct {
	kind      executor.Kind
	st        *state.DebuggerState
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
}

func newFakeExecutor(kind executor.Kind, st *state.DebuggerState) *fakeExecutor {
	return &fakeExecutor{kind: kind, st: st, responses: make(map[string]json.RawMessage), errs: make(map[string]error)}
}

func (f *fakeExecutor) Kind() executor.Kind { return f.kind }
func (f *fakeExecutor) Disconnect() error   { return nil }

func (f *fakeExecutor) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
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

func newTestDaemon(t *testing.T) (*Daemon, *fakeExecutor) {
	t.Helper()
	reg := session.NewRegistry()
	st := state.New()
	exe := newFakeExecutor(executor.KindCDP, st)
	d := New(config.Default(), reg, nil, nil, nil)
	return d, exe
}

func TestDispatchUnknownCommand(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	resp := d.Dispatch(context.Background(), protocol.Request{Cmd: "bogus"})
	require.False(t, resp.OK)
	require.Equal(t, "INVALID_COMMAND", resp.ErrorCode)
}

func TestDispatchStatusWithNoSessionsIsAmbiguous(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	resp := d.Dispatch(context.Background(), protocol.Request{Cmd: "status"})
	require.False(t, resp.OK)
	require.Equal(t, "SESSION_AMBIGUOUS", resp.ErrorCode)
}

func TestDispatchListReturnsEmptySessions(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	resp := d.Dispatch(context.Background(), protocol.Request{Cmd: "ss"})
	require.True(t, resp.OK)
	sessions, ok := resp.Extra["sessions"].([]map[string]interface{})
	require.True(t, ok)
	require.Empty(t, sessions)
}

func TestDispatchUseUnknownSessionFails(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	resp := d.Dispatch(context.Background(), protocol.Request{Cmd: "use", Args: "nope"})
	require.False(t, resp.OK)
	require.Equal(t, "SESSION_NOT_FOUND", resp.ErrorCode)
}

func TestDispatchProcOutputWithNoSessionsIsAmbiguous(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	resp := d.Dispatch(context.Background(), protocol.Request{Cmd: "proc-output"})
	require.False(t, resp.OK)
	require.Equal(t, "SESSION_AMBIGUOUS", resp.ErrorCode)
}

func TestCommandTimeoutUsesAdaptiveAttachFormula(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	base := d.Cfg.AttachBaseTimeout
	require.Equal(t, 3*base+30*time.Second, d.commandTimeout("attach"))
	require.Equal(t, 3*base+30*time.Second, d.commandTimeout("attach-lldb"))
	require.Equal(t, d.Cfg.DefaultCommandTimeout, d.commandTimeout("c"))
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()
	d, _ := newTestDaemon(t)
	d.Cleanup()
	d.Cleanup()
}

func TestResponseMarshalFlattensExtraFields(t *testing.T) {
	t.Parallel()
	resp := protocol.Ok(map[string]interface{}{"name": "s0"})
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, true, raw["ok"])
	require.Equal(t, "s0", raw["name"])
}
