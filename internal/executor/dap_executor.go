package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/internal/transport"
)

// pauseWaiter is one registered WaitForPaused call (spec §4.3, §9 "Pause
// waiter list"). The epoch-based fencing token eliminates the need for
// condition variables; cancellation is O(n) with n expected small.
type pauseWaiter struct {
	minEpoch uint64
	resolve  func()
	reject   func(error)
	timer    *time.Timer
}

// DAP adapts a *transport.DAP connection to the uniform Executor capability
// (spec §4.3).
type DAP struct {
	tr    *transport.DAP
	state *state.DebuggerState

	mu      sync.Mutex
	waiters []*pauseWaiter

	unsubscribers []func()
}

// dapVerbMapping is the table from spec §4.3 "DAP verb mapping": CDP-shaped
// verbs issued via Send are translated to the equivalent DAP request.
var dapVerbMapping = map[string]string{
	"Debugger.resume":   "continue",
	"Debugger.stepInto": "stepIn",
	"Debugger.stepOver": "next",
	"Debugger.stepOut":  "stepOut",
	"Debugger.pause":    "pause",
}

// NewDAP wraps an already-started DAP transport, wires its event handlers,
// and returns a ready Executor.
func NewDAP(tr *transport.DAP, st *state.DebuggerState) *DAP {
	e := &DAP{tr: tr, state: st}
	e.unsubscribers = append(e.unsubscribers, tr.OnEvent("stopped", e.onStopped))
	e.unsubscribers = append(e.unsubscribers, tr.OnEvent("continued", e.onContinued))
	e.unsubscribers = append(e.unsubscribers, tr.OnEvent("terminated", e.onTerminated))
	e.unsubscribers = append(e.unsubscribers, tr.OnEvent("exited", e.onTerminated))
	e.unsubscribers = append(e.unsubscribers, tr.OnEvent("thread", e.onThread))
	e.unsubscribers = append(e.unsubscribers, tr.OnClose(e.onClose))
	return e
}

func (e *DAP) Kind() Kind { return KindDAP }

func (e *DAP) State() *state.DebuggerState { return e.state }

func (e *DAP) Disconnect() error {
	return e.tr.Close()
}

// Send implements the DAP verb mapping table (spec §4.3). Requests issued
// in a terminated/error phase fail fast with the last recorded error.
func (e *DAP) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var phase state.DAPPhase
	var lastErr *state.DAPError
	var activeThread int
	e.state.View(func(s *state.DebuggerState) {
		phase = s.DAP.Phase
		lastErr = s.DAP.LastError
		activeThread = s.DAP.ActiveThread
	})
	if phase == state.PhaseTerminated || phase == state.PhaseError {
		if lastErr != nil {
			return nil, dbgerr.New(dbgerr.SessionTerminated, lastErr.Message)
		}
		return nil, dbgerr.New(dbgerr.SessionTerminated, "session terminated")
	}

	switch method {
	case "Debugger.resume", "Debugger.stepInto", "Debugger.stepOver", "Debugger.stepOut", "Debugger.pause":
		cmd := dapVerbMapping[method]
		args := map[string]interface{}{"threadId": activeThread}
		return e.tr.Send(ctx, cmd, args, timeout)

	case "Runtime.evaluate":
		args := toMap(params)
		args["context"] = "watch"
		return e.tr.Send(ctx, "evaluate", args, timeout)

	case "Debugger.evaluateOnCallFrame":
		args := toMap(params)
		args["context"] = "repl"
		return e.tr.Send(ctx, "evaluate", args, timeout)

	case "Runtime.getProperties":
		args := toMap(params)
		if oid, ok := args["objectId"]; ok {
			args["variablesReference"] = oid
			delete(args, "objectId")
		}
		return e.tr.Send(ctx, "variables", args, timeout)

	case "Debugger.getScriptSource":
		args := toMap(params)
		scriptID, _ := args["scriptId"].(string)
		var path string
		e.state.View(func(s *state.DebuggerState) {
			if info, ok := s.Scripts[scriptID]; ok {
				path = info.File
			}
		})
		return e.tr.Send(ctx, "source", map[string]interface{}{
			"source": map[string]interface{}{"path": path},
		}, timeout)

	case "Debugger.setBreakpointByUrl":
		return e.setBreakpointByURL(ctx, params, timeout)

	case "Debugger.removeBreakpoint":
		return e.removeBreakpoint(ctx, params, timeout)

	default:
		return e.tr.Send(ctx, method, params, timeout)
	}
}

func toMap(params interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	if m, ok := params.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	b, err := json.Marshal(params)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	_ = json.Unmarshal(b, &out)
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

// setBreakpointByURL implements spec §4.3 "Breakpoint grouping (DAP)": per
// source path maintain a {line, condition?} list; setting rewrites the full
// list via a single setBreakpoints call.
func (e *DAP) setBreakpointByURL(ctx context.Context, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	args := toMap(params)
	path, _ := args["url"].(string)
	if path == "" {
		path, _ = args["file"].(string)
	}
	line, _ := args["lineNumber"].(float64)
	condition, _ := args["condition"].(string)

	id := uuid.New().String()
	var list []state.SourceBreakpoint
	e.state.Mutate(func(s *state.DebuggerState) {
		s.DAP.BreakpointsBySource[path] = append(s.DAP.BreakpointsBySource[path], state.SourceBreakpoint{
			ID: id, Line: int(line), Condition: condition,
		})
		list = append([]state.SourceBreakpoint(nil), s.DAP.BreakpointsBySource[path]...)
	})

	body, err := e.rebuildSourceBreakpoints(ctx, path, list, timeout)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// removeBreakpoint rewrites the survivor list for the affected source
// (spec §4.3).
func (e *DAP) removeBreakpoint(ctx context.Context, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	args := toMap(params)
	breakpointID, _ := args["breakpointId"].(string)

	var path string
	var survivors []state.SourceBreakpoint
	e.state.Mutate(func(s *state.DebuggerState) {
		for p, bps := range s.DAP.BreakpointsBySource {
			kept := bps[:0]
			for _, bp := range bps {
				if bp.ID == breakpointID {
					path = p
					continue
				}
				kept = append(kept, bp)
			}
			if path == p {
				s.DAP.BreakpointsBySource[p] = kept
				survivors = append([]state.SourceBreakpoint(nil), kept...)
				break
			}
		}
	})
	if path == "" {
		return json.RawMessage(`{}`), nil
	}
	return e.rebuildSourceBreakpoints(ctx, path, survivors, timeout)
}

// rebuildSourceBreakpoints issues one setBreakpoints request for the full
// per-source list and returns {"locations": [...]}, one entry per result
// line carrying breakpointId "<path>:<verifiedLine>" and the zero-based
// lineNumber (spec §4.3). The response has no top-level breakpointId.
func (e *DAP) rebuildSourceBreakpoints(ctx context.Context, path string, list []state.SourceBreakpoint, timeout time.Duration) (json.RawMessage, error) {
	breakpoints := make([]map[string]interface{}, 0, len(list))
	for _, bp := range list {
		entry := map[string]interface{}{"line": bp.Line}
		if bp.Condition != "" {
			entry["condition"] = bp.Condition
		}
		breakpoints = append(breakpoints, entry)
	}

	resp, err := e.tr.Send(ctx, "setBreakpoints", map[string]interface{}{
		"source":      map[string]interface{}{"path": path},
		"breakpoints": breakpoints,
	}, timeout)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Breakpoints []struct {
			Verified bool `json:"verified"`
			Line     int  `json:"line"`
		} `json:"breakpoints"`
	}
	_ = json.Unmarshal(resp, &parsed)

	locations := make([]map[string]interface{}, 0, len(parsed.Breakpoints))
	for i, b := range parsed.Breakpoints {
		verifiedLine := b.Line
		if i < len(list) {
			nativeID := fmt.Sprintf("%s:%d", path, verifiedLine)
			e.state.Mutate(func(s *state.DebuggerState) {
				s.Breakpoints[list[i].ID] = state.StoredBreakpoint{
					ID:        list[i].ID,
					File:      path,
					Line:      list[i].Line,
					Condition: list[i].Condition,
					Enabled:   true,
					NativeID:  nativeID,
				}
			})
			locations = append(locations, map[string]interface{}{
				"breakpointId": nativeID,
				"lineNumber":   verifiedLine - 1,
			})
		}
	}

	out, _ := json.Marshal(map[string]interface{}{"locations": locations})
	return out, nil
}

// WaitForPaused implements spec §4.3's epoch-fenced pause waiter discipline.
func (e *DAP) WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	var ready bool
	var phase state.DAPPhase
	e.state.View(func(s *state.DebuggerState) {
		ready = s.Paused && s.DAP.StopEpoch >= minEpoch
		phase = s.DAP.Phase
	})
	if ready {
		return nil
	}
	if phase == state.PhaseTerminated || phase == state.PhaseError {
		return dbgerr.New(dbgerr.SessionTerminated, "session terminated before pause")
	}

	resultCh := make(chan error, 1)
	w := &pauseWaiter{
		minEpoch: minEpoch,
		resolve:  func() { resultCh <- nil },
		reject:   func(err error) { resultCh <- err },
	}
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			e.removeWaiter(w)
			w.reject(dbgerr.New(dbgerr.WaitForPauseTimeout, fmt.Sprintf("wait for pause timed out after %s", timeout)))
		})
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		e.removeWaiter(w)
		return ctx.Err()
	}
}

func (e *DAP) removeWaiter(target *pauseWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// resolveReadyWaiters resolves every waiter whose minEpoch has been
// satisfied, called only after a stop event has finished processing to
// completion (spec §5 "processing of a stop event runs to completion before
// stopEpoch is incremented").
func (e *DAP) resolveReadyWaiters(epoch uint64) {
	e.mu.Lock()
	var remaining []*pauseWaiter
	var ready []*pauseWaiter
	for _, w := range e.waiters {
		if w.minEpoch <= epoch {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	e.waiters = remaining
	e.mu.Unlock()

	for _, w := range ready {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resolve()
	}
}

// rejectAllWaiters is used on terminal phase / transport close (spec §4.3).
func (e *DAP) rejectAllWaiters(err error) {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.reject(err)
	}
}

// onStopped implements spec §4.3 "Stop event processing": threads → pick
// thread → frames → scopes, then increment stopEpoch and resolve waiters.
// Any failure marks the phase error and rejects waiters.
func (e *DAP) onStopped(ev transport.Event) {
	var body struct {
		Reason           string `json:"reason"`
		ThreadID         int    `json:"threadId"`
		PreserveFocusHint bool  `json:"preserveFocusHint"`
	}
	_ = json.Unmarshal(ev.Params, &body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	threads, err := e.fetchThreads(ctx)
	if err != nil {
		e.failStop(err)
		return
	}

	var priorThreadID int
	e.state.View(func(s *state.DebuggerState) { priorThreadID = s.DAP.ActiveThread })

	chosen := pickThread(body.ThreadID, priorThreadID, threads)

	frames, err := e.fetchFrames(ctx, chosen)
	if err != nil {
		e.failStop(err)
		return
	}

	var epoch uint64
	e.state.Mutate(func(s *state.DebuggerState) {
		s.Paused = true
		s.DAP.Phase = state.PhasePaused
		s.DAP.LastStop = &state.StopDescriptor{Reason: body.Reason, ThreadID: chosen, Ts: time.Now()}
		s.DAP.Threads = threads
		s.DAP.ActiveThread = chosen
		s.CallFrames = frames
		s.DAP.StopEpoch++
		epoch = s.DAP.StopEpoch
	})

	e.resolveReadyWaiters(epoch)
}

func pickThread(fromEvent, prior int, threads []state.Thread) int {
	if fromEvent != 0 {
		return fromEvent
	}
	for _, t := range threads {
		if t.ID == prior {
			return prior
		}
	}
	if len(threads) > 0 {
		return threads[0].ID
	}
	return 0
}

func (e *DAP) failStop(err error) {
	logging.S().Errorw("dap: stop event processing failed", "error", err)
	e.state.Mutate(func(s *state.DebuggerState) {
		s.DAP.Phase = state.PhaseError
		s.DAP.LastError = &state.DAPError{Code: string(dbgerr.StopProcessingFailed), Message: err.Error(), Ts: time.Now()}
	})
	e.rejectAllWaiters(dbgerr.Wrap(dbgerr.StopProcessingFailed, "stop event processing failed", err))
}

func (e *DAP) fetchThreads(ctx context.Context) ([]state.Thread, error) {
	resp, err := e.tr.Send(ctx, "threads", nil, 2*time.Second)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Threads []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	out := make([]state.Thread, 0, len(parsed.Threads))
	for _, t := range parsed.Threads {
		out = append(out, state.Thread{ID: t.ID, Name: t.Name})
	}
	return out, nil
}

func (e *DAP) fetchFrames(ctx context.Context, threadID int) ([]state.CallFrame, error) {
	if threadID == 0 {
		return nil, dbgerr.New(dbgerr.NoActiveThread, "no active thread to fetch frames for")
	}
	resp, err := e.tr.Send(ctx, "stackTrace", map[string]interface{}{"threadId": threadID}, 2*time.Second)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		StackFrames []struct {
			ID     int    `json:"id"`
			Name   string `json:"name"`
			Source struct {
				Path string `json:"path"`
			} `json:"source"`
			Line   int `json:"line"`
			Column int `json:"column"`
		} `json:"stackFrames"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}

	frames := make([]state.CallFrame, 0, len(parsed.StackFrames))
	for _, f := range parsed.StackFrames {
		scopes, err := e.fetchScopes(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		frames = append(frames, state.CallFrame{
			FrameID:    fmt.Sprintf("%d", f.ID),
			Function:   f.Name,
			File:       f.Source.Path,
			Line:       f.Line,
			Col:        f.Column,
			ScopeChain: scopes,
		})
	}
	return frames, nil
}

func (e *DAP) fetchScopes(ctx context.Context, frameID int) ([]state.Scope, error) {
	resp, err := e.tr.Send(ctx, "scopes", map[string]interface{}{"frameId": frameID}, 2*time.Second)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Scopes []struct {
			Name               string `json:"name"`
			VariablesReference int    `json:"variablesReference"`
		} `json:"scopes"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	out := make([]state.Scope, 0, len(parsed.Scopes))
	for _, s := range parsed.Scopes {
		out = append(out, state.Scope{Type: s.Name, VariablesRef: s.VariablesReference})
	}
	return out, nil
}

func (e *DAP) onContinued(transport.Event) {
	e.state.Mutate(func(s *state.DebuggerState) {
		s.Paused = false
		s.DAP.Phase = state.PhaseRunning
		s.CallFrames = nil
	})
}

func (e *DAP) onThread(ev transport.Event) {
	var body struct {
		Reason   string `json:"reason"`
		ThreadID int    `json:"threadId"`
	}
	_ = json.Unmarshal(ev.Params, &body)
	e.state.Mutate(func(s *state.DebuggerState) {
		if body.Reason == "exited" {
			for i, t := range s.DAP.Threads {
				if t.ID == body.ThreadID {
					s.DAP.Threads = append(s.DAP.Threads[:i], s.DAP.Threads[i+1:]...)
					break
				}
			}
		}
	})
}

func (e *DAP) onTerminated(transport.Event) {
	e.state.Mutate(func(s *state.DebuggerState) {
		s.Connected = false
		s.Paused = false
		s.DAP.Phase = state.PhaseTerminated
	})
	e.rejectAllWaiters(dbgerr.New(dbgerr.SessionTerminated, "session terminated"))
}

func (e *DAP) onClose(ev transport.CloseEvent) {
	e.state.OnTransportClosed()
	e.state.Mutate(func(s *state.DebuggerState) {
		if s.DAP.Phase != state.PhaseTerminated {
			s.DAP.Phase = state.PhaseTerminated
		}
	})
	cause := dbgerr.New(dbgerr.TransportClosed, fmt.Sprintf("dap transport closed: %s", ev.Reason))
	if ev.Err != nil {
		cause = dbgerr.Wrap(dbgerr.TransportClosed, "dap transport closed", ev.Err)
	}
	e.rejectAllWaiters(cause)
}
