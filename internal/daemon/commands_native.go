package daemon

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dbgcli/dbgd/internal/attach"
	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/session"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

// explicitPIDResolver is the daemon's only ProviderResolveFunc
// implementation: it echoes the caller-supplied --pid/--bundle/--device
// straight back as the resolution, since this pack carries no concrete
// Apple-device discovery collaborator (devicectl/idevice/lockdown) to wrap.
// Auto-discovery (`devices` finding attachable targets on its own) is
// consequently out of scope; every attach must name its target explicitly.
func explicitPIDResolver(_ context.Context, req attach.AttachRequest) (attach.ProviderResolutionResult, error) {
	if !req.HasPID {
		return attach.ProviderResolutionResult{}, dbgerr.New(dbgerr.InvalidRequest, "attach requires an explicit --pid (device auto-discovery is not available)")
	}
	return attach.ProviderResolutionResult{
		Provider: req.Provider,
		Platform: req.Platform,
		DeviceID: req.DeviceID,
		BundleID: req.BundleID,
		PID:      req.PID,
	}, nil
}

// parseAttachArgs parses `attach --pid <n> [--bundle <id>] [--device <id>]
// [--platform <p>] [--strategy auto|device-process|gdb-remote]
// [--timeout <dur>] [--launch] [--verbose] [name]`.
func parseAttachArgs(args string) (attach.AttachRequest, string, error) {
	fields := strings.Fields(args)
	req := attach.AttachRequest{AttachStrategy: attach.StrategyAuto, Timeout: 10 * time.Second}
	var name string
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "--pid":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--pid requires a value")
			}
			pid, err := strconv.Atoi(fields[i])
			if err != nil {
				return req, "", dbgerr.New(dbgerr.InvalidPID, "invalid --pid value")
			}
			req.PID, req.HasPID = pid, true
		case "--bundle":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--bundle requires a value")
			}
			req.BundleID = fields[i]
		case "--device":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--device requires a value")
			}
			req.DeviceID = fields[i]
		case "--platform":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--platform requires a value")
			}
			req.Platform = fields[i]
		case "--strategy":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--strategy requires a value")
			}
			req.AttachStrategy = attach.Strategy(fields[i])
		case "--timeout":
			i++
			if i >= len(fields) {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "--timeout requires a value")
			}
			d, err := time.ParseDuration(fields[i])
			if err != nil {
				return req, "", dbgerr.New(dbgerr.InvalidCommand, "invalid --timeout duration")
			}
			req.Timeout = d
		case "--launch":
			req.Launch = true
		case "--verbose":
			req.Verbose = true
		default:
			name = fields[i]
		}
	}
	return req, name, nil
}

func runAttach(ctx context.Context, d *Daemon, req protocol.Request, forceStrategy attach.Strategy) (map[string]interface{}, error) {
	if d.AttachMgr == nil {
		return nil, dbgerr.New(dbgerr.NotConnected, "native attach support is not configured on this daemon")
	}
	attachReq, name, err := parseAttachArgs(req.Args)
	if err != nil {
		return nil, err
	}
	if forceStrategy != "" {
		attachReq.AttachStrategy = forceStrategy
	}

	sess, diag, err := d.Registry.Attach(ctx, attachReq, session.ProviderResolveFunc(explicitPIDResolver), d.AttachMgr, name)
	if err != nil {
		return nil, err
	}

	out := sessionFields(sess)
	out["attach"] = map[string]interface{}{
		"requestedStrategy": string(diag.RequestedStrategy),
		"providerResolveMs": diag.ProviderResolveMs,
		"totalMs":           diag.TotalMs,
	}
	if diag.SelectedStrategy != nil {
		out["attach"].(map[string]interface{})["selectedStrategy"] = string(*diag.SelectedStrategy)
	}
	return out, nil
}

func cmdAttach(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return runAttach(ctx, d, req, "")
}

func cmdAttachLLDB(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return runAttach(ctx, d, req, attach.StrategyDeviceProcess)
}

// cmdDevices lists currently attached native sessions. Live device
// enumeration (what a concrete devicectl/idevice provider would add) is not
// implemented for the same reason explicitPIDResolver requires an explicit
// --pid: no device-discovery collaborator exists to wrap.
func cmdDevices(_ context.Context, d *Daemon, _ protocol.Request) (map[string]interface{}, error) {
	sessions, _ := d.Registry.List()
	var natives []map[string]interface{}
	for _, s := range sessions {
		if s.Kind == session.KindNative {
			natives = append(natives, sessionFields(s))
		}
	}
	return map[string]interface{}{"devices": natives}, nil
}

func cmdRegisters(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	raw, err := sess.Executor.Send(ctx, "evaluate", map[string]interface{}{
		"expression": "register read",
		"context":    "repl",
	}, flowCallTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return map[string]interface{}{"result": out}, nil
}

func cmdMemory(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(req.Args)
	if len(fields) < 2 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "memory requires <address> <count>")
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "memory count must be an integer")
	}
	raw, err := sess.Executor.Send(ctx, "readMemory", map[string]interface{}{
		"memoryReference": fields[0],
		"count":           count,
	}, flowCallTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return map[string]interface{}{"result": out}, nil
}

func cmdDisasm(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(req.Args)
	if len(fields) < 1 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "disasm requires <address> [count]")
	}
	count := 32
	if len(fields) > 1 {
		if v, err := strconv.Atoi(fields[1]); err == nil {
			count = v
		}
	}
	raw, err := sess.Executor.Send(ctx, "disassemble", map[string]interface{}{
		"memoryReference":  fields[0],
		"instructionCount": count,
	}, flowCallTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return map[string]interface{}{"result": out}, nil
}
