package attach

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/internal/transport"
)

// dapAttacher is the production Attacher: a freshly spawned lldb-dap (or
// equivalent) child process wrapped by the same executor.DAP used for
// ordinary debug sessions, so a successful attach can be handed straight to
// the session registry as its executor (spec §4.4 step 1).
type dapAttacher struct {
	tr  *transport.DAP
	exe *executor.DAP
}

// DAPCommand configures how the lldb-dap-compatible adapter is launched.
type DAPCommand struct {
	Command []string
	Dir     string
	Env     []string
}

// NewDAPAttacherFactory returns a CreateExecutorFunc that spawns cmd fresh
// for every attempt, per spec §4.4 step 1 ("construct a fresh executor").
func NewDAPAttacherFactory(cmd DAPCommand) CreateExecutorFunc {
	return func(ctx context.Context, st *state.DebuggerState) (Attacher, error) {
		tr, err := transport.StartDAP(ctx, transport.DAPOptions{
			Command: cmd.Command,
			Dir:     cmd.Dir,
			Env:     cmd.Env,
		})
		if err != nil {
			return nil, err
		}
		exe := executor.NewDAP(tr, st)
		return &dapAttacher{tr: tr, exe: exe}, nil
	}
}

func (a *dapAttacher) AttachLLDB(ctx context.Context, pid int, attachCommands []string, timeout time.Duration) error {
	args := map[string]interface{}{"pid": pid}
	if len(attachCommands) > 0 {
		args["attachCommands"] = attachCommands
	}
	_, err := a.tr.Send(ctx, "attach", args, timeout)
	return err
}

func (a *dapAttacher) AttachGDBRemote(ctx context.Context, args GDBRemoteArgs, timeout time.Duration) error {
	_, err := a.tr.Send(ctx, "attach", args.ToDAPArguments(), timeout)
	return err
}

func (a *dapAttacher) WaitForPaused(ctx context.Context, timeout time.Duration) error {
	return a.exe.WaitForPaused(ctx, timeout, 0)
}

func (a *dapAttacher) State() *state.DebuggerState { return a.exe.State() }

func (a *dapAttacher) Disconnect() error { return a.exe.Disconnect() }

// Send lets a successfully attached session be driven like any other DAP
// executor once the strategy manager hands it off (spec §4.5 "on success,
// construct a native session"). Satisfies the optional Sender interface the
// session registry looks for, without colliding with Attacher's own
// 2-argument WaitForPaused.
func (a *dapAttacher) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return a.exe.Send(ctx, method, params, timeout)
}

// WaitForPausedEpoch exposes the full epoch-fenced wait for callers that
// hold the underlying executor.DAP directly (e.g. after a native session is
// constructed and driven as a uniform Executor).
func (a *dapAttacher) WaitForPausedEpoch(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	return a.exe.WaitForPaused(ctx, timeout, minEpoch)
}
