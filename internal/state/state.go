// Package state defines the data model shared by every session: call
// frames, scripts, breakpoints, and the protocol-specific substates (spec
// §3).
package state

import (
	"sync"
	"time"
)

// CallFrame is one stack frame in the paused target (spec §3).
type CallFrame struct {
	FrameID      string
	Function     string
	URL          string
	File         string
	Line         int
	Col          int
	ScriptID     string
	ScopeChain   []Scope
	ThisObjectID string
}

// Scope is one entry in a call frame's scope chain.
type Scope struct {
	Type             string // local, closure, global, with, catch, block, script
	Name             string
	ObjectID         string
	VariablesRef     int // DAP-side variablesReference, 0 if not applicable
	StartLine        int
	EndLine          int
}

// AsyncFrame is one entry in an async stack trace (spec §3).
type AsyncFrame struct {
	ID          string
	Function    string
	File        string
	Line        int
	ParentID    string
	Description string
}

// ScriptInfo describes a parsed script (spec §3).
type ScriptInfo struct {
	ID        string
	File      string
	URL       string
	Lines     int
	SourceMap string
	IsModule  bool
}

// StoredBreakpoint is a breakpoint the daemon has set and is tracking (spec §3).
type StoredBreakpoint struct {
	ID        string
	File      string
	Line      int
	Condition string
	Hits      int
	Enabled   bool
	NativeID  string // protocol-native breakpoint id (e.g. CDP's, or DAP's "<path>:<verifiedLine>")
}

// ConsoleEntry is one console.* invocation observed from the target.
type ConsoleEntry struct {
	Ts   time.Time
	Type string
	Text string
}

// ExceptionEntry is one uncaught-exception observation.
type ExceptionEntry struct {
	Ts      time.Time
	Text    string
	Details string
}

// NetworkRequest is a CDP Network.* derived record (CDP substate).
type NetworkRequest struct {
	RequestID string
	URL       string
	Method    string
	Status    int
	MimeType  string
	Headers   map[string]string
	StartedAt time.Time
	FinishedAt time.Time
	Failed    bool
	ErrorText string
}

// PageLifecycleEvent is a CDP Page.* lifecycle observation.
type PageLifecycleEvent struct {
	Ts   time.Time
	Name string
	URL  string
}

// WebSocketFrame is a CDP Network.webSocketFrame{Sent,Received} observation.
type WebSocketFrame struct {
	Ts        time.Time
	RequestID string
	Direction string // sent | received
	Payload   string
}

// CoverageSnapshot is the last captured JS/CSS coverage.
type CoverageSnapshot struct {
	JS         interface{}
	CSS        interface{}
	CapturedAt time.Time
}

// MockRule is a Fetch-domain interception rule (spec §4.3).
type MockRule struct {
	URLPattern string
	Status     int
	Body       string
	Headers    map[string]string
}

const (
	maxNetworkRequests = 10000
	maxWSFrames        = 5000
	maxPageEvents       = 5000
	maxConsoleEntries   = 5000
	maxExceptionEntries = 2000
)

// CDPState is the CDP-specific substate (spec §3).
type CDPState struct {
	LastWebSocketURL string
	Requests         map[string]*NetworkRequest
	PageEvents       []PageLifecycleEvent
	WSFrames         []WebSocketFrame
	Coverage         *CoverageSnapshot
	MockRules        []MockRule
}

func newCDPState() *CDPState {
	return &CDPState{Requests: make(map[string]*NetworkRequest)}
}

func (c *CDPState) appendPageEvent(ev PageLifecycleEvent) {
	c.PageEvents = append(c.PageEvents, ev)
	if len(c.PageEvents) > maxPageEvents {
		c.PageEvents = c.PageEvents[len(c.PageEvents)-maxPageEvents:]
	}
}

func (c *CDPState) appendWSFrame(f WebSocketFrame) {
	c.WSFrames = append(c.WSFrames, f)
	if len(c.WSFrames) > maxWSFrames {
		c.WSFrames = c.WSFrames[len(c.WSFrames)-maxWSFrames:]
	}
}

func (c *CDPState) putRequest(r *NetworkRequest) {
	if _, exists := c.Requests[r.RequestID]; !exists && len(c.Requests) >= maxNetworkRequests {
		c.evictOldestRequest()
	}
	c.Requests[r.RequestID] = r
}

func (c *CDPState) evictOldestRequest() {
	var oldestID string
	var oldestAt time.Time
	for id, r := range c.Requests {
		if oldestID == "" || r.StartedAt.Before(oldestAt) {
			oldestID, oldestAt = id, r.StartedAt
		}
	}
	if oldestID != "" {
		delete(c.Requests, oldestID)
	}
}

// DAPPhase is the DAP session phase state machine (spec §4.3).
type DAPPhase string

const (
	PhaseStarting   DAPPhase = "starting"
	PhaseConfiguring DAPPhase = "configuring"
	PhaseRunning    DAPPhase = "running"
	PhasePaused     DAPPhase = "paused"
	PhaseTerminated DAPPhase = "terminated"
	PhaseError      DAPPhase = "error"
)

// DAPError is the last recorded DAP-side error (spec §3).
type DAPError struct {
	Code    string
	Message string
	Ts      time.Time
}

// StopDescriptor is the last stop event observed (spec §3, §4.3).
type StopDescriptor struct {
	Reason   string
	ThreadID int
	Ts       time.Time
}

// Thread is a DAP thread.
type Thread struct {
	ID   int
	Name string
}

// Module is a DAP module.
type Module struct {
	ID   string
	Name string
	Path string
}

// DAPState is the DAP-specific substate (spec §3).
type DAPState struct {
	Phase         DAPPhase
	ActiveThread  int
	Threads       []Thread
	Modules       []Module
	LastStop      *StopDescriptor
	LastError     *DAPError
	StopEpoch     uint64
	BreakpointsBySource map[string][]SourceBreakpoint // for group-rebuild (spec §4.3)
}

// SourceBreakpoint is one line/condition pair tracked per source path for
// DAP's rebuild-the-whole-list setBreakpoints semantics.
type SourceBreakpoint struct {
	ID        string
	Line      int
	Condition string
}

func newDAPState() *DAPState {
	return &DAPState{
		Phase:               PhaseStarting,
		BreakpointsBySource: make(map[string][]SourceBreakpoint),
	}
}

// DebuggerState is the aggregate observation of a target (spec §3). All
// mutation happens through the owning session's executor; virtual tables
// only read it (spec §5 "shared mutable state").
type DebuggerState struct {
	mu sync.RWMutex

	Connected      bool
	Paused         bool
	PID            int
	HasPID         bool
	ManagedCommand string

	CallFrames []CallFrame
	AsyncTrace []AsyncFrame
	Scripts    map[string]ScriptInfo // scriptId -> ScriptInfo
	Breakpoints map[string]StoredBreakpoint // breakpointId -> StoredBreakpoint

	Console    []ConsoleEntry
	Exceptions []ExceptionEntry

	CDP *CDPState
	DAP *DAPState
}

// New builds an empty DebuggerState.
func New() *DebuggerState {
	return &DebuggerState{
		Scripts:     make(map[string]ScriptInfo),
		Breakpoints: make(map[string]StoredBreakpoint),
		CDP:         newCDPState(),
		DAP:         newDAPState(),
	}
}

// View runs fn with a read lock held. Virtual tables and command handlers
// that only inspect state should use this rather than reaching into fields
// directly, so concurrent executor writes can never race a reader.
func (s *DebuggerState) View(fn func(*DebuggerState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s)
}

// Mutate runs fn with a write lock held. Only the owning executor should
// call this (spec §5: "DebuggerState is owned by the session").
func (s *DebuggerState) Mutate(fn func(*DebuggerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// OnTransportClosed applies the invariant from spec §3: "On transport
// close, connected = false, paused = false, frames cleared."
func (s *DebuggerState) OnTransportClosed() {
	s.Mutate(func(s *DebuggerState) {
		s.Connected = false
		s.Paused = false
		s.CallFrames = nil
		s.AsyncTrace = nil
	})
}

// AppendConsole appends a console entry, evicting the oldest past the cap.
func (s *DebuggerState) AppendConsole(e ConsoleEntry) {
	s.Mutate(func(s *DebuggerState) {
		s.Console = append(s.Console, e)
		if len(s.Console) > maxConsoleEntries {
			s.Console = s.Console[len(s.Console)-maxConsoleEntries:]
		}
	})
}

// AppendException appends an exception entry, evicting the oldest past the cap.
func (s *DebuggerState) AppendException(e ExceptionEntry) {
	s.Mutate(func(s *DebuggerState) {
		s.Exceptions = append(s.Exceptions, e)
		if len(s.Exceptions) > maxExceptionEntries {
			s.Exceptions = s.Exceptions[len(s.Exceptions)-maxExceptionEntries:]
		}
	})
}

// AppendPageEvent appends a bounded CDP page lifecycle event.
func (s *DebuggerState) AppendPageEvent(ev PageLifecycleEvent) {
	s.Mutate(func(s *DebuggerState) { s.CDP.appendPageEvent(ev) })
}

// AppendWSFrame appends a bounded CDP WebSocket frame observation.
func (s *DebuggerState) AppendWSFrame(f WebSocketFrame) {
	s.Mutate(func(s *DebuggerState) { s.CDP.appendWSFrame(f) })
}

// PutNetworkRequest inserts/updates a bounded CDP network request record.
func (s *DebuggerState) PutNetworkRequest(r *NetworkRequest) {
	s.Mutate(func(s *DebuggerState) { s.CDP.putRequest(r) })
}
