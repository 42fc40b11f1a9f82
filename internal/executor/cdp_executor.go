package executor

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/internal/transport"
)

// cdpWaiter is a plain (non-epoch-fenced) pause waiter. CDP has no stop-epoch
// concept (spec §4.3: "always 0 for CDP"), so minEpoch is accepted for
// interface compatibility but never consulted.
type cdpWaiter struct {
	resolve func()
	reject  func(error)
	timer   *time.Timer
}

// CDP adapts a *transport.CDP connection to the uniform Executor capability
// (spec §4.3).
type CDP struct {
	tr    *transport.CDP
	state *state.DebuggerState

	mu      sync.Mutex
	waiters []*cdpWaiter

	unsubscribers []func()
}

// NewCDP wires CDP domain events onto st and returns a ready Executor. The
// caller is expected to have already enabled the domains it wants observed
// (spec §4.1 "EnableDomains is best-effort and caller-driven").
func NewCDP(tr *transport.CDP, st *state.DebuggerState) *CDP {
	e := &CDP{tr: tr, state: st}
	e.unsubscribers = append(e.unsubscribers,
		tr.OnEvent("Debugger.paused", e.onPaused),
		tr.OnEvent("Debugger.resumed", e.onResumed),
		tr.OnEvent("Debugger.scriptParsed", e.onScriptParsed),
		tr.OnEvent("Runtime.consoleAPICalled", e.onConsoleAPICalled),
		tr.OnEvent("Runtime.exceptionThrown", e.onExceptionThrown),
		tr.OnEvent("Network.requestWillBeSent", e.onRequestWillBeSent),
		tr.OnEvent("Network.responseReceived", e.onResponseReceived),
		tr.OnEvent("Network.loadingFinished", e.onLoadingFinished),
		tr.OnEvent("Network.loadingFailed", e.onLoadingFailed),
		tr.OnEvent("Network.webSocketFrameSent", e.onWSFrameSent),
		tr.OnEvent("Network.webSocketFrameReceived", e.onWSFrameReceived),
		tr.OnEvent("Page.frameNavigated", e.onPageLifecycle("navigated")),
		tr.OnEvent("Page.domContentEventFired", e.onPageLifecycle("domContentEventFired")),
		tr.OnEvent("Page.loadEventFired", e.onPageLifecycle("loadEventFired")),
		tr.OnEvent("Log.entryAdded", e.onLogEntryAdded),
		tr.OnEvent("Fetch.requestPaused", e.onFetchRequestPaused),
	)
	e.unsubscribers = append(e.unsubscribers, tr.OnClose(e.onClose))
	return e
}

func (e *CDP) Kind() Kind { return KindCDP }

func (e *CDP) State() *state.DebuggerState { return e.state }

func (e *CDP) Disconnect() error { return e.tr.Close() }

// Send passes CDP-shaped verbs straight through (spec §4.3: "For CDP this is
// (method, params) passed straight through").
func (e *CDP) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return e.tr.Send(ctx, method, params, timeout)
}

// WaitForPaused resolves once state.Paused is true; minEpoch is unused for
// CDP sessions (spec §4.3).
func (e *CDP) WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	var paused bool
	e.state.View(func(s *state.DebuggerState) { paused = s.Paused })
	if paused {
		return nil
	}

	resultCh := make(chan error, 1)
	w := &cdpWaiter{
		resolve: func() { resultCh <- nil },
		reject:  func(err error) { resultCh <- err },
	}
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			e.removeWaiter(w)
			w.reject(dbgerr.New(dbgerr.WaitForPauseTimeout, "wait for pause timed out"))
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

func (e *CDP) removeWaiter(target *cdpWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (e *CDP) resolveWaiters() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resolve()
	}
}

func (e *CDP) rejectWaiters(err error) {
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

func (e *CDP) onPaused(ev transport.Event) {
	var body struct {
		CallFrames []struct {
			CallFrameID string `json:"callFrameId"`
			FunctionName string `json:"functionName"`
			Location    struct {
				ScriptID     string `json:"scriptId"`
				LineNumber   int    `json:"lineNumber"`
				ColumnNumber int    `json:"columnNumber"`
			} `json:"location"`
			ScopeChain []struct {
				Type   string `json:"type"`
				Object struct {
					ObjectID string `json:"objectId"`
				} `json:"object"`
			} `json:"scopeChain"`
			This struct {
				ObjectID string `json:"objectId"`
			} `json:"this"`
		} `json:"callFrames"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		logging.S().Warnw("cdp: malformed Debugger.paused params", "error", err)
		return
	}

	frames := make([]state.CallFrame, 0, len(body.CallFrames))
	e.state.View(func(s *state.DebuggerState) {
		for _, cf := range body.CallFrames {
			scripts := s.Scripts
			file := ""
			if info, ok := scripts[cf.Location.ScriptID]; ok {
				file = info.File
			}
			scopes := make([]state.Scope, 0, len(cf.ScopeChain))
			for _, sc := range cf.ScopeChain {
				scopes = append(scopes, state.Scope{Type: sc.Type, ObjectID: sc.Object.ObjectID})
			}
			frames = append(frames, state.CallFrame{
				FrameID:      cf.CallFrameID,
				Function:     cf.FunctionName,
				File:         file,
				ScriptID:     cf.Location.ScriptID,
				Line:         cf.Location.LineNumber,
				Col:          cf.Location.ColumnNumber,
				ScopeChain:   scopes,
				ThisObjectID: cf.This.ObjectID,
			})
		}
	})

	e.state.Mutate(func(s *state.DebuggerState) {
		s.Paused = true
		s.CallFrames = frames
	})
	e.resolveWaiters()
}

func (e *CDP) onResumed(transport.Event) {
	e.state.Mutate(func(s *state.DebuggerState) {
		s.Paused = false
		s.CallFrames = nil
	})
}

func (e *CDP) onScriptParsed(ev transport.Event) {
	var body struct {
		ScriptID string `json:"scriptId"`
		URL      string `json:"url"`
		EndLine  int    `json:"endLine"`
		IsModule bool   `json:"isModule"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.Mutate(func(s *state.DebuggerState) {
		s.Scripts[body.ScriptID] = state.ScriptInfo{
			ID: body.ScriptID, File: body.URL, URL: body.URL, Lines: body.EndLine, IsModule: body.IsModule,
		}
	})
}

func (e *CDP) onConsoleAPICalled(ev transport.Event) {
	var body struct {
		Type string `json:"type"`
		Args []struct {
			Value       interface{} `json:"value"`
			Description string      `json:"description"`
		} `json:"args"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	var parts []string
	for _, a := range body.Args {
		if a.Description != "" {
			parts = append(parts, a.Description)
		} else if a.Value != nil {
			b, _ := json.Marshal(a.Value)
			parts = append(parts, string(b))
		}
	}
	e.state.AppendConsole(state.ConsoleEntry{Ts: time.Now(), Type: body.Type, Text: strings.Join(parts, " ")})
}

func (e *CDP) onExceptionThrown(ev transport.Event) {
	var body struct {
		ExceptionDetails struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.AppendException(state.ExceptionEntry{
		Ts: time.Now(), Text: body.ExceptionDetails.Text, Details: body.ExceptionDetails.Exception.Description,
	})
}

func (e *CDP) onRequestWillBeSent(ev transport.Event) {
	var body struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"request"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.PutNetworkRequest(&state.NetworkRequest{
		RequestID: body.RequestID, URL: body.Request.URL, Method: body.Request.Method, StartedAt: time.Now(),
	})
}

func (e *CDP) onResponseReceived(ev transport.Event) {
	var body struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status   int               `json:"status"`
			MimeType string            `json:"mimeType"`
			Headers  map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.Mutate(func(s *state.DebuggerState) {
		if r, ok := s.CDP.Requests[body.RequestID]; ok {
			r.Status = body.Response.Status
			r.MimeType = body.Response.MimeType
			// Captured off the wire rather than re-fetched: CDP has no
			// synchronous "get headers for requestId" call, only this event.
			r.Headers = body.Response.Headers
		}
	})
}

func (e *CDP) onLoadingFinished(ev transport.Event) {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.Mutate(func(s *state.DebuggerState) {
		if r, ok := s.CDP.Requests[body.RequestID]; ok {
			r.FinishedAt = time.Now()
		}
	})
}

func (e *CDP) onLoadingFailed(ev transport.Event) {
	var body struct {
		RequestID    string `json:"requestId"`
		ErrorText    string `json:"errorText"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.Mutate(func(s *state.DebuggerState) {
		if r, ok := s.CDP.Requests[body.RequestID]; ok {
			r.Failed = true
			r.ErrorText = body.ErrorText
			r.FinishedAt = time.Now()
		}
	})
}

func (e *CDP) onWSFrameSent(ev transport.Event)     { e.recordWSFrame(ev, "sent") }
func (e *CDP) onWSFrameReceived(ev transport.Event) { e.recordWSFrame(ev, "received") }

func (e *CDP) recordWSFrame(ev transport.Event, direction string) {
	var body struct {
		RequestID string `json:"requestId"`
		Response  struct {
			PayloadData string `json:"payloadData"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.AppendWSFrame(state.WebSocketFrame{
		Ts: time.Now(), RequestID: body.RequestID, Direction: direction, Payload: body.Response.PayloadData,
	})
}

func (e *CDP) onPageLifecycle(name string) transport.EventHandler {
	return func(ev transport.Event) {
		var body struct {
			URL   string `json:"url"`
			Frame struct {
				URL string `json:"url"`
			} `json:"frame"`
		}
		_ = json.Unmarshal(ev.Params, &body)
		url := body.URL
		if url == "" {
			url = body.Frame.URL
		}
		e.state.AppendPageEvent(state.PageLifecycleEvent{Ts: time.Now(), Name: name, URL: url})
	}
}

func (e *CDP) onLogEntryAdded(ev transport.Event) {
	var body struct {
		Entry struct {
			Level string `json:"level"`
			Text  string `json:"text"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}
	e.state.AppendConsole(state.ConsoleEntry{Ts: time.Now(), Type: body.Entry.Level, Text: body.Entry.Text})
}

// onFetchRequestPaused implements spec §4.3's Fetch-domain mock interception:
// the first matching MockRule (by URL glob-as-regex) fulfills the request
// with its configured status/body; otherwise the request continues
// unmodified.
func (e *CDP) onFetchRequestPaused(ev transport.Event) {
	var body struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL string `json:"url"`
		} `json:"request"`
	}
	if err := json.Unmarshal(ev.Params, &body); err != nil {
		return
	}

	var matched *state.MockRule
	e.state.View(func(s *state.DebuggerState) {
		for i := range s.CDP.MockRules {
			rule := &s.CDP.MockRules[i]
			if matchesGlob(rule.URLPattern, body.Request.URL) {
				matched = rule
				break
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if matched == nil {
		_, _ = e.tr.Send(ctx, "Fetch.continueRequest", map[string]interface{}{
			"requestId": body.RequestID,
		}, 2*time.Second)
		return
	}

	headers := make([]map[string]string, 0, len(matched.Headers))
	for k, v := range matched.Headers {
		headers = append(headers, map[string]string{"name": k, "value": v})
	}
	_, _ = e.tr.Send(ctx, "Fetch.fulfillRequest", map[string]interface{}{
		"requestId":       body.RequestID,
		"responseCode":    matched.Status,
		"responseHeaders": headers,
		"body":            matched.Body,
	}, 2*time.Second)
}

// matchesGlob translates a `*`-wildcard URL pattern (spec §4.3 LIKE-style
// matching, shared with the query engine's glob-to-regex translation) to a
// regular expression and tests url against it.
func matchesGlob(pattern, url string) bool {
	if pattern == "" {
		return false
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return false
	}
	return re.MatchString(url)
}

func (e *CDP) onClose(ev transport.CloseEvent) {
	e.state.OnTransportClosed()
	cause := dbgerr.New(dbgerr.TransportClosed, "cdp transport closed: "+string(ev.Reason))
	if ev.Err != nil {
		cause = dbgerr.Wrap(dbgerr.TransportClosed, "cdp transport closed", ev.Err)
	}
	e.rejectWaiters(cause)
}
