package attach

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/state"
)

// fakeAttacher is an in-memory Attacher used to drive the strategy manager
// without spawning a real lldb-dap process.
type fakeAttacher struct {
	st             *state.DebuggerState
	failAttach     bool
	failPause      bool
	skipHandshake  bool
	pausedNoFrames bool
	disconnected   bool
}

func newFakeAttacher(failAttach, failPause, skipHandshake bool) CreateExecutorFunc {
	return func(ctx context.Context, st *state.DebuggerState) (Attacher, error) {
		return &fakeAttacher{st: st, failAttach: failAttach, failPause: failPause, skipHandshake: skipHandshake}, nil
	}
}

func (f *fakeAttacher) AttachLLDB(ctx context.Context, pid int, attachCommands []string, timeout time.Duration) error {
	if f.failAttach {
		return dbgerr.New(dbgerr.AttachFailed, "simulated lldb attach failure")
	}
	return nil
}

func (f *fakeAttacher) AttachGDBRemote(ctx context.Context, args GDBRemoteArgs, timeout time.Duration) error {
	if f.failAttach {
		return dbgerr.New(dbgerr.AttachFailed, "simulated gdb-remote attach failure")
	}
	return nil
}

func (f *fakeAttacher) WaitForPaused(ctx context.Context, timeout time.Duration) error {
	if f.failPause {
		return dbgerr.New(dbgerr.WaitForPauseTimeout, "simulated pause timeout")
	}
	if f.pausedNoFrames {
		f.st.Mutate(func(s *state.DebuggerState) {
			s.Paused = true
			s.DAP.ActiveThread = 1
			s.CallFrames = nil
		})
		return nil
	}
	if !f.skipHandshake {
		f.st.Mutate(func(s *state.DebuggerState) {
			s.Paused = true
			s.DAP.ActiveThread = 1
			s.CallFrames = []state.CallFrame{{FrameID: "1", Function: "main"}}
		})
	}
	return nil
}

func (f *fakeAttacher) State() *state.DebuggerState { return f.st }

func (f *fakeAttacher) Disconnect() error {
	f.disconnected = true
	return nil
}

func fakeDiscoverPort(ctx context.Context, deviceID string) (int, error) {
	return 1234, nil
}

func TestSimulatorForcesDeviceProcessStrategy(t *testing.T) {
	t.Parallel()
	mgr := NewManager(newFakeAttacher(false, false, false), fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyAuto, PID: 42}
	resolution := ProviderResolutionResult{
		PID:      42,
		Metadata: map[string]interface{}{"attachEnvironment": "simulator"},
	}

	attacher, diag, err := mgr.Run(context.Background(), req, resolution, 5, state.New())
	require.NoError(t, err)
	require.NotNil(t, attacher)
	require.Equal(t, StrategyDeviceProcess, *diag.SelectedStrategy)
	require.Len(t, diag.Attempts, 1)
}

func TestSimulatorRejectsExplicitGDBRemote(t *testing.T) {
	t.Parallel()
	mgr := NewManager(newFakeAttacher(false, false, false), fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyGDBRemote, PID: 42}
	resolution := ProviderResolutionResult{
		PID:      42,
		Metadata: map[string]interface{}{"attachEnvironment": "simulator"},
	}

	_, _, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "only supported for physical devices")
}

func TestPhysicalAutoTriesDeviceProcessThenGDBRemote(t *testing.T) {
	t.Parallel()
	// device-process fails, gdb-remote succeeds.
	attempt := 0
	factory := func(ctx context.Context, st *state.DebuggerState) (Attacher, error) {
		attempt++
		return &fakeAttacher{st: st, failAttach: attempt == 1}, nil
	}
	mgr := NewManager(factory, fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyAuto, PID: 42, Timeout: 3 * time.Second}
	resolution := ProviderResolutionResult{PID: 42, DeviceID: "dev-1"}

	attacher, diag, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.NoError(t, err)
	require.NotNil(t, attacher)
	require.Equal(t, StrategyGDBRemote, *diag.SelectedStrategy)
	require.Len(t, diag.Attempts, 2)
	require.False(t, diag.Attempts[0].Success)
	require.True(t, diag.Attempts[1].Success)
}

func TestAllStrategiesFailReturnsLastAttemptError(t *testing.T) {
	t.Parallel()
	mgr := NewManager(newFakeAttacher(true, false, false), fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyAuto, PID: 42}
	resolution := ProviderResolutionResult{PID: 42, DeviceID: "dev-1"}

	attacher, diag, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.Error(t, err)
	require.Nil(t, attacher)
	require.Len(t, diag.Attempts, 2)
	code, ok := dbgerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dbgerr.AttachFailed, code)
}

func TestStopStateHandshakeFailureRollsBackAndDisconnects(t *testing.T) {
	t.Parallel()
	var captured *fakeAttacher
	factory := func(ctx context.Context, st *state.DebuggerState) (Attacher, error) {
		a := &fakeAttacher{st: st, skipHandshake: true}
		captured = a
		return a, nil
	}
	mgr := NewManager(factory, fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyDeviceProcess, PID: 42}
	resolution := ProviderResolutionResult{PID: 42, DeviceID: "dev-1"}

	_, _, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "attach handshake failed")
	require.True(t, captured.disconnected)
}

// TestStopStateHandshakeFailureNoCallFramesExactMessage drives seed test
// suite scenario 3 exactly (paused = true, callFrames = []) and requires the
// exact mandated failure message, a nil attacher, and that the executor was
// disconnected.
func TestStopStateHandshakeFailureNoCallFramesExactMessage(t *testing.T) {
	t.Parallel()
	var captured *fakeAttacher
	factory := func(ctx context.Context, st *state.DebuggerState) (Attacher, error) {
		a := &fakeAttacher{st: st, pausedNoFrames: true}
		captured = a
		return a, nil
	}
	mgr := NewManager(factory, fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyDeviceProcess, PID: 42}
	resolution := ProviderResolutionResult{PID: 42, DeviceID: "dev-1"}

	attacher, _, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.Error(t, err)
	require.Nil(t, attacher)
	require.Equal(t, "attach handshake failed: no call frames available", err.Error())
	require.True(t, captured.disconnected)
}

func TestDeviceProcessRequiresResolvedPID(t *testing.T) {
	t.Parallel()
	mgr := NewManager(newFakeAttacher(false, false, false), fakeDiscoverPort)
	req := AttachRequest{AttachStrategy: StrategyDeviceProcess}
	resolution := ProviderResolutionResult{DeviceID: "dev-1"}

	_, diag, err := mgr.Run(context.Background(), req, resolution, 0, state.New())
	require.Error(t, err)
	require.Len(t, diag.Attempts, 1)
}

func TestGDBRemoteArgsRendersHyphenatedWireKeys(t *testing.T) {
	t.Parallel()
	args := GDBRemoteArgs{Port: 5, TimeoutS: 7, HasPID: true, PID: 99}
	wire := args.ToDAPArguments()
	require.Equal(t, 5, wire["gdb-remote-port"])
	require.Equal(t, "127.0.0.1", wire["gdb-remote-hostname"])
	require.Equal(t, 99, wire["pid"])
	require.Equal(t, 7, wire["timeout"])
}
