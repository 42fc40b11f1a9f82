// Package transport implements the two framed-transport variants from spec
// §4.1/§4.2: a Chrome DevTools Protocol (CDP) adapter over WebSocket and a
// Debug Adapter Protocol (DAP) adapter over a child process's stdio. Both
// multiplex pipelined requests onto a single duplex channel, correlate
// responses by sequence number, deliver asynchronous events to subscribers,
// enforce per-request timeouts, and report connection loss with causal
// diagnostics.
package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// CloseReason classifies why a transport stopped (spec §4.2).
type CloseReason string

const (
	ReasonExit        CloseReason = "exit"
	ReasonClose       CloseReason = "close"
	ReasonProtocolErr CloseReason = "protocol_error"
	ReasonManualClose CloseReason = "manual_close"
)

// CloseEvent is delivered to close subscribers exactly once per transport
// (spec §4.2 "Close semantics").
type CloseEvent struct {
	Reason     CloseReason
	Err        error
	ExitCode   *int
	Signal     string
	StderrTail string
}

// Event is one asynchronous protocol event.
type Event struct {
	Name   string
	Params json.RawMessage
}

// EventHandler receives asynchronous events fanned out in wire order (spec §5).
type EventHandler func(Event)

// CloseHandler receives the transport's single CloseEvent.
type CloseHandler func(CloseEvent)

// pendingRequest is one in-flight protocol call (spec §3 "PendingRequest").
// It is either in the in-flight table or has been resolved/rejected exactly
// once (spec §3 invariant).
type pendingRequest struct {
	seq     uint64
	command string
	resolve func(json.RawMessage)
	reject  func(error)
	timer   *time.Timer
}

// pendingTable is a mutex-protected map of in-flight requests, the systems
// translation of the reference's mutable-map-plus-cancel-timer-closure
// design (spec §9 "In-flight request table"). Mutated only from the owning
// transport's own decoder/write paths (spec §5).
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingRequest)}
}

func (t *pendingTable) put(p *pendingRequest) {
	t.mu.Lock()
	t.entries[p.seq] = p
	t.mu.Unlock()
}

// take removes and returns the entry for seq, or (nil,false) if absent
// (already resolved/rejected, or never existed).
func (t *pendingTable) take(seq uint64) (*pendingRequest, bool) {
	t.mu.Lock()
	p, ok := t.entries[seq]
	if ok {
		delete(t.entries, seq)
	}
	t.mu.Unlock()
	return p, ok
}

// drain empties the table and returns everything that was in it, for
// failTransport to reject in one pass (spec §8 "pending-request map is
// empty" after failTransport).
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	t.entries = make(map[uint64]*pendingRequest)
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// subscriberList is a copy-on-write snapshot list of event handlers,
// avoiding iterator invalidation if a handler subscribes/unsubscribes from
// within its own callback (spec §9 "Event fan-out").
type subscriberList struct {
	mu       sync.Mutex
	handlers map[int]EventHandler
	nextID   int
}

func newSubscriberList() *subscriberList {
	return &subscriberList{handlers: make(map[int]EventHandler)}
}

func (s *subscriberList) add(h EventHandler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// snapshot returns handlers in registration order for deterministic
// fan-out (spec §4.2 "fan out to event-name subscribers in registration
// order").
func (s *subscriberList) snapshot() []EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	// map iteration order is random; registration order is the id order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[id])
	}
	return out
}

// eventBus fans out named events to per-name subscriber lists, plus a
// wildcard list that sees everything (OnAnyEvent).
type eventBus struct {
	mu    sync.Mutex
	byName map[string]*subscriberList
	all    *subscriberList
}

func newEventBus() *eventBus {
	return &eventBus{byName: make(map[string]*subscriberList), all: newSubscriberList()}
}

func (b *eventBus) on(name string, h EventHandler) func() {
	b.mu.Lock()
	list, ok := b.byName[name]
	if !ok {
		list = newSubscriberList()
		b.byName[name] = list
	}
	b.mu.Unlock()
	return list.add(h)
}

func (b *eventBus) onAll(h EventHandler) func() {
	return b.all.add(h)
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	list, ok := b.byName[ev.Name]
	b.mu.Unlock()
	if ok {
		for _, h := range list.snapshot() {
			h(ev)
		}
	}
	for _, h := range b.all.snapshot() {
		h(ev)
	}
}

// closeBus is the single-fire close-event distribution point.
type closeBus struct {
	mu      sync.Mutex
	fired   bool
	handlers []CloseHandler
}

func (b *closeBus) on(h CloseHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.handlers)
	b.handlers = append(b.handlers, h)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// fire delivers ev to every subscriber exactly once across the transport's
// lifetime (spec §4.2 "Idempotent (second call is a no-op)").
func (b *closeBus) fire(ev CloseEvent) bool {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return false
	}
	b.fired = true
	handlers := append([]CloseHandler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
	return true
}
