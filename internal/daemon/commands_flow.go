package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

const flowCallTimeout = 5 * time.Second

// nextEpoch returns the stop epoch a post-step/pause WaitForPaused call
// should fence on: the state's current StopEpoch+1. The DAP executor honours
// it; the CDP executor ignores minEpoch (spec §4.3 "Pause-waiter
// discipline").
func nextEpoch(st *state.DebuggerState) uint64 {
	var epoch uint64
	st.View(func(s *state.DebuggerState) { epoch = s.DAP.StopEpoch + 1 })
	return epoch
}

func resumeLike(ctx context.Context, d *Daemon, req protocol.Request, method string, waitForStop bool) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	epoch := nextEpoch(sess.Executor.State())
	if _, err := sess.Executor.Send(ctx, method, nil, flowCallTimeout); err != nil {
		return nil, err
	}
	if waitForStop {
		if err := sess.Executor.WaitForPaused(ctx, d.Cfg.DefaultCommandTimeout, epoch); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"name": sess.Name}, nil
}

func cmdContinue(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return resumeLike(ctx, d, req, "Debugger.resume", false)
}

func cmdStepInto(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return resumeLike(ctx, d, req, "Debugger.stepInto", true)
}

func cmdStepOver(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return resumeLike(ctx, d, req, "Debugger.stepOver", true)
}

func cmdStepOut(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return resumeLike(ctx, d, req, "Debugger.stepOut", true)
}

func cmdPause(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return resumeLike(ctx, d, req, "Debugger.pause", true)
}

// parseBreakpointArgs parses `<file>:<line>` with an optional trailing
// `if <condition>`.
func parseBreakpointArgs(args string) (file string, line int, condition string, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", 0, "", dbgerr.New(dbgerr.InvalidCommand, "b requires <file:line> [if <condition>]")
	}
	loc := fields[0]
	idx := strings.LastIndex(loc, ":")
	if idx < 0 {
		return "", 0, "", dbgerr.New(dbgerr.InvalidCommand, fmt.Sprintf("invalid breakpoint location %q", loc))
	}
	file = loc[:idx]
	line, convErr := strconv.Atoi(loc[idx+1:])
	if convErr != nil {
		return "", 0, "", dbgerr.New(dbgerr.InvalidCommand, fmt.Sprintf("invalid line in %q", loc))
	}
	if len(fields) > 2 && fields[1] == "if" {
		condition = strings.Join(fields[2:], " ")
	}
	return file, line, condition, nil
}

func cmdSetBreakpoint(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	file, line, condition, err := parseBreakpointArgs(req.Args)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"url":        file,
		"lineNumber": line,
	}
	if condition != "" {
		params["condition"] = condition
	}
	raw, err := sess.Executor.Send(ctx, "Debugger.setBreakpointByUrl", params, flowCallTimeout)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		BreakpointID string `json:"breakpointId"`
	}
	_ = json.Unmarshal(raw, &parsed)
	return map[string]interface{}{
		"file": file, "line": line, "condition": condition,
		"breakpointId": parsed.BreakpointID,
	}, nil
}

func cmdRemoveBreakpoint(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.Args)
	if id == "" {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "db requires a breakpoint id")
	}
	if _, err := sess.Executor.Send(ctx, "Debugger.removeBreakpoint", map[string]interface{}{"breakpointId": id}, flowCallTimeout); err != nil {
		return nil, err
	}
	return map[string]interface{}{"breakpointId": id}, nil
}

func cmdListBreakpoints(_ context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	var list []map[string]interface{}
	sess.Executor.State().View(func(s *state.DebuggerState) {
		for _, bp := range s.Breakpoints {
			list = append(list, map[string]interface{}{
				"id": bp.ID, "file": bp.File, "line": bp.Line,
				"condition": bp.Condition, "hits": bp.Hits, "enabled": bp.Enabled,
			})
		}
	})
	return map[string]interface{}{"breakpoints": list}, nil
}

func cmdEval(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(req.Args)
	if expr == "" {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "e requires an expression")
	}

	var paused bool
	var topFrame string
	sess.Executor.State().View(func(s *state.DebuggerState) {
		paused = s.Paused
		if len(s.CallFrames) > 0 {
			topFrame = s.CallFrames[0].FrameID
		}
	})

	method := "Runtime.evaluate"
	params := map[string]interface{}{"expression": expr}
	if paused && topFrame != "" {
		method = "Debugger.evaluateOnCallFrame"
		params["callFrameId"] = topFrame
	}
	raw, err := sess.Executor.Send(ctx, method, params, flowCallTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return map[string]interface{}{"result": out}, nil
}

func cmdSource(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(req.Args)

	var scriptID, file string
	if len(fields) == 0 {
		sess.Executor.State().View(func(s *state.DebuggerState) {
			if len(s.CallFrames) > 0 {
				scriptID = s.CallFrames[0].ScriptID
				file = s.CallFrames[0].File
			}
		})
		if scriptID == "" {
			return nil, dbgerr.New(dbgerr.NoActiveThread, "src with no arguments requires a paused top frame")
		}
	} else {
		file = fields[0]
		sess.Executor.State().View(func(s *state.DebuggerState) {
			for id, info := range s.Scripts {
				if info.File == file {
					scriptID = id
					break
				}
			}
		})
		if scriptID == "" {
			return nil, dbgerr.New(dbgerr.UnknownScript, fmt.Sprintf("unknown script %q", file))
		}
	}

	raw, err := sess.Executor.Send(ctx, "Debugger.getScriptSource", map[string]interface{}{"scriptId": scriptID}, flowCallTimeout)
	if err != nil {
		return nil, err
	}
	var probe map[string]json.RawMessage
	_ = json.Unmarshal(raw, &probe)
	var content string
	for _, key := range []string{"scriptSource", "content"} {
		if v, ok := probe[key]; ok {
			_ = json.Unmarshal(v, &content)
			if content != "" {
				break
			}
		}
	}

	lines := strings.Split(content, "\n")
	start, end := 1, len(lines)
	if len(fields) >= 3 {
		if v, err := strconv.Atoi(fields[1]); err == nil {
			start = v
		}
		if v, err := strconv.Atoi(fields[2]); err == nil {
			end = v
		}
	}
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	var out []string
	for i := start; i <= end && i >= 1; i++ {
		out = append(out, lines[i-1])
	}
	return map[string]interface{}{"file": file, "scriptId": scriptID, "startLine": start, "lines": out}, nil
}
