package daemon

import (
	"context"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/session"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

// handlerFunc is one dispatch table entry. It returns the domain fields to
// flatten into a successful response; a returned error is converted to
// protocol.Fail by Dispatch.
type handlerFunc func(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error)

// commandTable enumerates every CLI command from spec §6 "CLI commands
// (full enumeration)". Commands not in this table yield an
// dbgerr.InvalidCommand response.
var commandTable = map[string]handlerFunc{
	// Session lifecycle
	"open":    cmdOpen,
	"run":     cmdRun,
	"close":   cmdClose,
	"restart": cmdRestart,
	"status":  cmdStatus,
	"ss":      cmdList,
	"use":     cmdUse,

	// Flow control
	"c":     cmdContinue,
	"s":     cmdStepInto,
	"n":     cmdStepOver,
	"o":     cmdStepOut,
	"pause": cmdPause,

	// Breakpoints
	"b":  cmdSetBreakpoint,
	"db": cmdRemoveBreakpoint,
	"bl": cmdListBreakpoints,

	// Inspection
	"e":   cmdEval,
	"src": cmdSource,

	// Diagnostics
	"trace":       cmdTrace,
	"health":      cmdHealth,
	"reconnect":   cmdReconnect,
	"proc-output": cmdProcOutput,

	// Query
	"q": cmdQuery,

	// Browser
	"navigate":  cmdNavigate,
	"screenshot": cmdScreenshot,
	"click":     cmdClick,
	"type":      cmdType,
	"select":    cmdSelectOption,
	"mock":      cmdMock,
	"unmock":    cmdUnmock,
	"emulate":   cmdEmulate,
	"throttle":  cmdThrottle,
	"coverage":  cmdCoverage,

	// Native (Apple-device)
	"registers":   cmdRegisters,
	"memory":      cmdMemory,
	"disasm":      cmdDisasm,
	"attach":      cmdAttach,
	"attach-lldb": cmdAttachLLDB,
	"devices":     cmdDevices,
}

// Dispatch resolves and runs one command line (spec §4.5 "Command
// socket"). Every fallible path is expected to return a *dbgerr.Error so
// the response always carries a typed errorCode rather than an opaque
// string (spec §7).
func (d *Daemon) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	handler, ok := commandTable[req.Cmd]
	if !ok {
		return protocol.Fail("unknown command "+req.Cmd, string(dbgerr.InvalidCommand), "")
	}

	cctx, cancel := d.withTimeout(ctx, req.Cmd)
	defer cancel()

	extra, err := handler(cctx, d, req)
	if err != nil {
		code, _ := dbgerr.CodeOf(err)
		logging.S().Debugw("daemon: command failed", "cmd", req.Cmd, "session", req.S, "error", err)
		return protocol.Fail(err.Error(), string(code), "")
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return protocol.Ok(extra)
}

// resolveSession applies the four-step resolution rule (spec §4.5) against
// req.S.
func resolveSession(d *Daemon, req protocol.Request) (*session.Session, error) {
	return d.Registry.Resolve(req.S)
}
