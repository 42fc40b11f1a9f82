package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
)

// cdpEnvelope is the wire-level shape of every CDP message (spec §6).
type cdpEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TargetInfo is one entry from the /json discovery endpoint.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverTargets fetches and filters the /json endpoint, per spec §4.1:
// "filtered by type ∈ {node, page}".
func DiscoverTargets(ctx context.Context, httpBase string) ([]TargetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(httpBase, "/")+"/json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: discover targets: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cdp: read /json response: %w", err)
	}
	var all []TargetInfo
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("cdp: parse /json response: %w", err)
	}

	out := make([]TargetInfo, 0, len(all))
	for _, t := range all {
		if t.Type == "node" || t.Type == "page" {
			out = append(out, t)
		}
	}
	return out, nil
}

// SelectTarget implements the auto-detect preference (spec §4.1): node,
// then page.
func SelectTarget(targets []TargetInfo, preferType string) (TargetInfo, bool) {
	if preferType != "" {
		for _, t := range targets {
			if t.Type == preferType {
				return t, true
			}
		}
		return TargetInfo{}, false
	}
	for _, want := range []string{"node", "page"} {
		for _, t := range targets {
			if t.Type == want {
				return t, true
			}
		}
	}
	return TargetInfo{}, false
}

// CDP connects to a target's WebSocket debugger URL and speaks newline-less
// JSON CDP messages (spec §4.1).
type CDP struct {
	conn *websocket.Conn

	id      uint64
	pending *pendingTable
	events  *eventBus
	closeBus closeBus

	writeMu sync.Mutex
	closed  int32
}

// DialCDP connects to the given WebSocket URL and begins decoding inbound
// messages.
func DialCDP(ctx context.Context, wsURL string) (*CDP, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}

	c := &CDP{
		conn:    conn,
		pending: newPendingTable(),
		events:  newEventBus(),
	}
	go c.readLoop()
	return c, nil
}

func (c *CDP) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failTransport(ReasonClose, err)
			return
		}

		var env cdpEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.S().Warnw("cdp: invalid json message, dropping", "error", err)
			continue
		}

		if env.Method != "" {
			// Some WebSocket client libraries emit a duplicate event variant
			// with an ".undefined" suffix on the method name; forward only
			// the canonical name (spec §4.1 implementation notes).
			name := strings.TrimSuffix(env.Method, ".undefined")
			c.events.emit(Event{Name: name, Params: env.Params})
			continue
		}

		p, ok := c.pending.take(env.ID)
		if !ok {
			continue
		}
		if env.Error != nil {
			p.reject(dbgerr.New(dbgerr.RequestFailed, env.Error.Message))
		} else {
			result := env.Result
			if result == nil {
				result = json.RawMessage(`{}`)
			}
			p.resolve(result)
		}
	}
}

// Send issues (method, params) and blocks for the response, honoring an
// optional per-call timeout (spec §4.1).
func (c *CDP) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, dbgerr.New(dbgerr.TransportClosed, "cdp: transport closed")
	}

	id := atomic.AddUint64(&c.id, 1)
	var paramBytes json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params: %w", err)
		}
		paramBytes = b
	}
	payload, err := json.Marshal(cdpEnvelope{ID: id, Method: method, Params: paramBytes})
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal envelope: %w", err)
	}

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	p := &pendingRequest{
		seq:     id,
		command: method,
		resolve: func(body json.RawMessage) { resultCh <- body },
		reject:  func(err error) { errCh <- err },
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if removed, ok := c.pending.take(id); ok {
				removed.reject(dbgerr.New(dbgerr.RequestTimeout, fmt.Sprintf("cdp: %s timed out after %s", method, timeout)))
			}
		})
	}
	c.pending.put(p)

	c.writeMu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if writeErr != nil {
		if removed, ok := c.pending.take(id); ok && removed.timer != nil {
			removed.timer.Stop()
		}
		return nil, writeErr
	}

	select {
	case body := <-resultCh:
		return body, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		if removed, ok := c.pending.take(id); ok && removed.timer != nil {
			removed.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// EnableDomains best-effort enables each domain with a short per-domain
// timeout; failures are non-fatal (spec §4.1).
func (c *CDP) EnableDomains(ctx context.Context, domains []string, perDomainTimeout time.Duration) {
	for _, domain := range domains {
		callCtx, cancel := context.WithTimeout(ctx, perDomainTimeout)
		_, err := c.Send(callCtx, domain+".enable", nil, perDomainTimeout)
		cancel()
		if err != nil {
			logging.S().Debugw("cdp: best-effort domain enable failed", "domain", domain, "error", err)
		}
	}
}

// OnEvent subscribes to a named CDP event.
func (c *CDP) OnEvent(name string, h EventHandler) func() {
	return c.events.on(name, h)
}

// OnAnyEvent subscribes to every event.
func (c *CDP) OnAnyEvent(h EventHandler) func() {
	return c.events.onAll(h)
}

// OnClose subscribes to the single close event.
func (c *CDP) OnClose(h CloseHandler) func() {
	return c.closeBus.on(h)
}

// Close closes the WebSocket connection (idempotent, spec §8).
func (c *CDP) Close() error {
	c.failTransport(ReasonManualClose, nil)
	return c.conn.Close()
}

func (c *CDP) failTransport(reason CloseReason, err error) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	for _, p := range c.pending.drain() {
		if p.timer != nil {
			p.timer.Stop()
		}
		cause := err
		if cause == nil {
			cause = dbgerr.New(dbgerr.TransportClosed, string(reason))
		}
		p.reject(cause)
	}
	c.closeBus.fire(CloseEvent{Reason: reason, Err: err})
}

// PendingCount reports the number of in-flight requests.
func (c *CDP) PendingCount() int { return c.pending.len() }
