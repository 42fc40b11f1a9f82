// Package session implements the session registry and per-session
// lifecycle operations (spec §4.5): name resolution, `open`/`run`/`restart`/
// `close`, and the Apple-device `attach` path built on top of
// internal/attach's strategy manager.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbgcli/dbgd/internal/attach"
	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/procsuper"
	"github.com/dbgcli/dbgd/internal/state"
	"github.com/dbgcli/dbgd/internal/transport"
)

// Kind identifies how a session's target came to be debugged.
type Kind string

const (
	KindAttached Kind = "attach" // `open`: attached to an already-running target
	KindManaged  Kind = "run"    // `run`: the daemon spawned and owns the child
	KindNative   Kind = "native" // Apple-device `attach`: lldb/gdb-remote over DAP
)

// Session is one registered debug target (spec §4.5).
type Session struct {
	Name string
	Kind Kind

	Executor executor.Executor

	// Managed-process bookkeeping, set only when Kind == KindManaged.
	Supervisor   *procsuper.Supervisor
	Command      []string
	Dir          string
	Env          []string
	Host         string
	Port         int
	InspectorURL string

	CreatedAt time.Time
}

// portAllocator hands out ports from a fixed debug-port range, mirroring
// the allocate/release discipline of a bounded resource pool (spec §4.5
// "free a local port") rather than relying on ephemeral OS reuse, which
// would race the child process's own bind.
type portAllocator struct {
	mu        sync.Mutex
	basePort  int
	maxPort   int
	allocated map[int]bool
}

func newPortAllocator() *portAllocator {
	return &portAllocator{basePort: 9230, maxPort: 9330, allocated: make(map[int]bool)}
}

func (p *portAllocator) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.basePort; port <= p.maxPort; port++ {
		if p.allocated[port] {
			continue
		}
		if !portFree(port) {
			continue
		}
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("session: no free debug port in [%d,%d]", p.basePort, p.maxPort)
}

func (p *portAllocator) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Registry is the daemon's map of live sessions plus the resolution rule
// from spec §4.5.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	current  string
	autoSeq  int
	ports    *portAllocator
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), ports: newPortAllocator()}
}

// Resolve implements the four-step resolution rule (spec §4.5):
// explicit name, else the sole session, else `current`, else ambiguous.
func (r *Registry) Resolve(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (*Session, error) {
	if name != "" {
		s, ok := r.sessions[name]
		if !ok {
			return nil, dbgerr.New(dbgerr.SessionNotFound, fmt.Sprintf("no session named %q", name))
		}
		return s, nil
	}
	if len(r.sessions) == 1 {
		for _, s := range r.sessions {
			return s, nil
		}
	}
	if r.current != "" {
		if s, ok := r.sessions[r.current]; ok {
			return s, nil
		}
	}
	return nil, dbgerr.New(dbgerr.SessionAmbiguous, "ambiguous session: specify one with @name or run `use`")
}

// List returns all registered sessions and the current name, for `ss`/`status`.
func (r *Registry) List() ([]*Session, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out, r.current
}

// Use sets `current` explicitly (spec §4.5 resolution step 3, `use <name>`).
func (r *Registry) Use(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return dbgerr.New(dbgerr.SessionNotFound, fmt.Sprintf("no session named %q", name))
	}
	r.current = name
	return nil
}

func (r *Registry) nextNameLocked() string {
	for {
		name := fmt.Sprintf("s%d", r.autoSeq)
		r.autoSeq++
		if _, exists := r.sessions[name]; !exists {
			return name
		}
	}
}

// registerLocked adds s to the registry, assigning an auto name if it has
// none, and makes it current (so the very next bare command, with no
// explicit session, targets what was just opened).
func (r *Registry) registerLocked(s *Session, requestedName string) error {
	name := requestedName
	if name == "" {
		name = r.nextNameLocked()
	} else if _, exists := r.sessions[name]; exists {
		return dbgerr.New(dbgerr.SessionNameTaken, fmt.Sprintf("session %q already exists", name))
	}
	s.Name = name
	r.sessions[name] = s
	r.current = name
	return nil
}

// removeLocked deletes name from the registry and relinks `current` to an
// arbitrary remaining session, or clears it if none remain (spec §4.5
// "Close ... relink current if needed").
func (r *Registry) removeLocked(name string) {
	delete(r.sessions, name)
	if r.current != name {
		return
	}
	r.current = ""
	for other := range r.sessions {
		r.current = other
		break
	}
}

// OpenRequest is the parsed form of `open [host:]port [--type node|page]
// [--target <id>] [name]` (spec §4.5 "Open").
type OpenRequest struct {
	Host       string
	Port       int
	TargetType string
	TargetID   string
	Name       string
}

var openTargetPattern = regexp.MustCompile(`^(?:([^:]+):)?(\d+)$`)

// ParseOpenArgs parses the already-tokenized arguments to `open`.
func ParseOpenArgs(tokens []string) (OpenRequest, error) {
	if len(tokens) == 0 {
		return OpenRequest{}, dbgerr.New(dbgerr.InvalidCommand, "open requires a [host:]port argument")
	}
	req := OpenRequest{Host: "127.0.0.1"}
	m := openTargetPattern.FindStringSubmatch(tokens[0])
	if m == nil {
		return OpenRequest{}, dbgerr.New(dbgerr.InvalidCommand, fmt.Sprintf("invalid open target %q", tokens[0]))
	}
	if m[1] != "" {
		req.Host = m[1]
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return OpenRequest{}, dbgerr.New(dbgerr.InvalidCommand, "invalid port")
	}
	req.Port = port

	rest := tokens[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--type":
			if i+1 >= len(rest) {
				return OpenRequest{}, dbgerr.New(dbgerr.InvalidCommand, "--type requires a value")
			}
			req.TargetType = rest[i+1]
			i++
		case "--target":
			if i+1 >= len(rest) {
				return OpenRequest{}, dbgerr.New(dbgerr.InvalidCommand, "--target requires a value")
			}
			req.TargetID = rest[i+1]
			i++
		default:
			req.Name = rest[i]
		}
	}
	return req, nil
}

// resolveWebSocketURL discovers the target's devtools WebSocket URL, or
// synthesizes it from an explicit --target id (spec §4.5 "Open").
func resolveWebSocketURL(ctx context.Context, req OpenRequest) (string, error) {
	if req.TargetID != "" {
		return fmt.Sprintf("ws://%s:%d/devtools/page/%s", req.Host, req.Port, req.TargetID), nil
	}
	httpBase := fmt.Sprintf("http://%s:%d", req.Host, req.Port)
	targets, err := transport.DiscoverTargets(ctx, httpBase)
	if err != nil {
		return "", dbgerr.Wrap(dbgerr.TransportClosed, "discover debug targets", err)
	}
	target, ok := transport.SelectTarget(targets, req.TargetType)
	if !ok {
		return "", dbgerr.New(dbgerr.NotConnected, "no matching debug target at "+httpBase)
	}
	return target.WebSocketDebuggerURL, nil
}

// Open attaches to an already-running inspectable target (spec §4.5 "Open").
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	wsURL, err := resolveWebSocketURL(ctx, req)
	if err != nil {
		return nil, err
	}

	tr, err := transport.DialCDP(ctx, wsURL)
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.TransportClosed, "dial target", err)
	}
	st := state.New()
	st.Mutate(func(s *state.DebuggerState) {
		s.Connected = true
		s.CDP.LastWebSocketURL = wsURL
	})
	exe := executor.NewCDP(tr, st)

	sess := &Session{
		Kind:         KindAttached,
		Executor:     exe,
		Host:         req.Host,
		Port:         req.Port,
		InspectorURL: wsURL,
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.registerLocked(sess, req.Name); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return sess, nil
}

// RunRequest is the parsed form of `run <command>` (spec §4.5 "Run").
type RunRequest struct {
	Command    []string
	Dir        string
	Env        []string
	TargetType string
	Name       string
	DialWithin time.Duration // how long to wait for the inspector socket to come up
}

// ParseRunArgs splits a shell-style command line into argv, the way a
// session's `run` command is given a literal command string.
func ParseRunArgs(commandLine string) ([]string, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "run requires a command")
	}
	return fields, nil
}

// injectInspectorFlag adds a break-on-entry inspector flag to a node
// invocation, preferring `--inspect-brk` per spec §4.5 ("prefer
// break-on-entry"). Non-node commands are passed through unchanged and
// rely on the caller to have baked in their own debug flag.
func injectInspectorFlag(command []string, port int) []string {
	if len(command) == 0 {
		return command
	}
	if !strings.Contains(command[0], "node") {
		return command
	}
	flag := fmt.Sprintf("--inspect-brk=127.0.0.1:%d", port)
	out := make([]string, 0, len(command)+1)
	out = append(out, command[0], flag)
	out = append(out, command[1:]...)
	return out
}

// Run spawns and owns a target process under a free local debug port (spec
// §4.5 "Run"). On the child's exit, the executor is disconnected and the
// session's pid is cleared, via procsuper's single on-exit callback.
func (r *Registry) Run(ctx context.Context, req RunRequest) (*Session, error) {
	if len(req.Command) == 0 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "run requires a command")
	}
	port, err := r.ports.allocate()
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.RequestFailed, "allocate debug port", err)
	}

	launchCmd := injectInspectorFlag(req.Command, port)
	sup, err := procsuper.Start(context.Background(), procsuper.Options{
		Command: launchCmd,
		Dir:     req.Dir,
		Env:     req.Env,
	})
	if err != nil {
		r.ports.release(port)
		return nil, dbgerr.Wrap(dbgerr.RequestFailed, "spawn managed process", err)
	}

	dialCtx := ctx
	if req.DialWithin > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, req.DialWithin)
		defer cancel()
	}
	wsURL, err := waitForInspector(dialCtx, "127.0.0.1", port, req.TargetType)
	if err != nil {
		_ = sup.Kill()
		r.ports.release(port)
		return nil, err
	}

	tr, err := transport.DialCDP(ctx, wsURL)
	if err != nil {
		_ = sup.Kill()
		r.ports.release(port)
		return nil, dbgerr.Wrap(dbgerr.TransportClosed, "dial managed target", err)
	}
	st := state.New()
	st.Mutate(func(s *state.DebuggerState) {
		s.Connected = true
		s.CDP.LastWebSocketURL = wsURL
		s.PID = sup.PID()
		s.HasPID = true
		s.ManagedCommand = strings.Join(req.Command, " ")
	})
	exe := executor.NewCDP(tr, st)

	sess := &Session{
		Kind:         KindManaged,
		Executor:     exe,
		Supervisor:   sup,
		Command:      req.Command,
		Dir:          req.Dir,
		Env:          req.Env,
		Host:         "127.0.0.1",
		Port:         port,
		InspectorURL: wsURL,
		CreatedAt:    time.Now(),
	}

	sup.OnExit(func(procsuper.ExitInfo) {
		_ = exe.Disconnect()
		st.Mutate(func(s *state.DebuggerState) { s.HasPID = false; s.PID = 0 })
		r.ports.release(port)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.registerLocked(sess, req.Name); err != nil {
		_ = tr.Close()
		_ = sup.Kill()
		r.ports.release(port)
		return nil, err
	}
	return sess, nil
}

// waitForInspector polls the target's /json discovery endpoint until a
// matching target appears or the context expires.
func waitForInspector(ctx context.Context, host string, port int, targetType string) (string, error) {
	httpBase := fmt.Sprintf("http://%s:%d", host, port)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		targets, err := transport.DiscoverTargets(ctx, httpBase)
		if err == nil {
			if target, ok := transport.SelectTarget(targets, targetType); ok {
				return target.WebSocketDebuggerURL, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", dbgerr.Wrap(dbgerr.RequestTimeout, "managed process never exposed an inspector target", ctx.Err())
		case <-ticker.C:
		}
	}
}

// naiveURLRegex builds the per-source Debugger.setBreakpointByUrl urlRegex
// used to recreate a breakpoint after a restart. It escapes only literal
// dots, not the full set of regex metacharacters a path could contain;
// see DESIGN.md for why this stays as-is rather than being tightened.
func naiveURLRegex(file string) string {
	return "^" + strings.ReplaceAll(file, ".", `\.`) + "$"
}

// Restart is only valid for managed CDP sessions (spec §4.5 "Restart").
// It snapshots the breakpoints, disconnects, kills the child, respawns it
// via the same recorded command, reconnects, and replays the breakpoints
// via Debugger.setBreakpointByUrl, reporting how many were restored.
func (r *Registry) Restart(ctx context.Context, name string) (restored int, err error) {
	r.mu.Lock()
	sess, err := r.resolveLocked(name)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if sess.Kind != KindManaged {
		r.mu.Unlock()
		return 0, dbgerr.New(dbgerr.InvalidCommand, "restart is only valid for a managed `run` session")
	}
	r.mu.Unlock()

	var snapshot []state.StoredBreakpoint
	sess.Executor.State().View(func(s *state.DebuggerState) {
		for _, bp := range s.Breakpoints {
			snapshot = append(snapshot, bp)
		}
	})

	_ = sess.Executor.Disconnect()
	if sess.Supervisor != nil {
		_ = sess.Supervisor.Kill()
	}

	sup, err := procsuper.Start(context.Background(), procsuper.Options{
		Command: injectInspectorFlag(sess.Command, sess.Port),
		Dir:     sess.Dir,
		Env:     sess.Env,
	})
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.RequestFailed, "respawn managed process", err)
	}

	wsURL, err := waitForInspector(ctx, sess.Host, sess.Port, "")
	if err != nil {
		_ = sup.Kill()
		return 0, err
	}
	tr, err := transport.DialCDP(ctx, wsURL)
	if err != nil {
		_ = sup.Kill()
		return 0, dbgerr.Wrap(dbgerr.TransportClosed, "reconnect after restart", err)
	}
	st := state.New()
	st.Mutate(func(s *state.DebuggerState) {
		s.Connected = true
		s.CDP.LastWebSocketURL = wsURL
		s.PID = sup.PID()
		s.HasPID = true
		s.ManagedCommand = strings.Join(sess.Command, " ")
	})
	exe := executor.NewCDP(tr, st)

	for _, bp := range snapshot {
		urlRegex := naiveURLRegex(bp.File)
		params := map[string]interface{}{
			"urlRegex":   urlRegex,
			"lineNumber": bp.Line,
		}
		if bp.Condition != "" {
			params["condition"] = bp.Condition
		}
		if _, err := exe.Send(ctx, "Debugger.setBreakpointByUrl", params, 5*time.Second); err != nil {
			logging.S().Warnw("restart: failed to replay breakpoint", "file", bp.File, "line", bp.Line, "error", err)
			continue
		}
		restored++
	}

	r.mu.Lock()
	sess.Executor = exe
	sess.Supervisor = sup
	sess.InspectorURL = wsURL
	r.mu.Unlock()

	sup.OnExit(func(procsuper.ExitInfo) {
		_ = exe.Disconnect()
		st.Mutate(func(s *state.DebuggerState) { s.HasPID = false; s.PID = 0 })
	})

	return restored, nil
}

// Close disconnects the executor, signals a managed child if any, removes
// the session, and relinks `current` (spec §4.5 "Close").
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	sess, err := r.resolveLocked(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.removeLocked(sess.Name)
	port := sess.Port
	managed := sess.Kind == KindManaged
	r.mu.Unlock()

	_ = sess.Executor.Disconnect()
	if sess.Supervisor != nil {
		_ = sess.Supervisor.Kill()
	}
	if managed {
		r.ports.release(port)
	}
	return nil
}

// sender is the optional capability a production Attacher exposes once
// attached, letting it be driven like any other executor (e.g.
// *attach's dapAttacher implements this; test doubles need not).
type sender interface {
	Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

// nativeExecutor adapts an attach.Attacher (2-argument WaitForPaused, no
// Kind/Send) to the uniform executor.Executor capability a session needs
// once an Apple-device attach succeeds (spec §4.5 "construct a native
// session"). minEpoch is accepted but ignored: attach.Attacher's
// WaitForPaused takes no epoch, so no stop-epoch fencing is applied.
type nativeExecutor struct {
	a attach.Attacher
}

func (n *nativeExecutor) Kind() executor.Kind         { return executor.KindDAP }
func (n *nativeExecutor) Disconnect() error           { return n.a.Disconnect() }
func (n *nativeExecutor) State() *state.DebuggerState { return n.a.State() }

func (n *nativeExecutor) WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error {
	return n.a.WaitForPaused(ctx, timeout)
}

func (n *nativeExecutor) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if s, ok := n.a.(sender); ok {
		return s.Send(ctx, method, params, timeout)
	}
	return nil, dbgerr.New(dbgerr.NotConnected, "native session does not support generic protocol requests")
}

// ProviderResolveFunc resolves an AttachRequest against the platform's
// device-discovery mechanism. The daemon supplies the concrete
// implementation; the registry only drives the result through the
// strategy manager (spec §1: device discovery is an external collaborator).
type ProviderResolveFunc func(ctx context.Context, req attach.AttachRequest) (attach.ProviderResolutionResult, error)

// Attach runs the Apple-device attach pipeline end to end (spec §4.5
// "Attach (Apple device)"): resolve the provider target, reject if its pid
// is already attached, run the strategy manager, and register a native
// session on success.
func (r *Registry) Attach(ctx context.Context, req attach.AttachRequest, resolve ProviderResolveFunc, mgr *attach.Manager, name string) (*Session, *attach.Diagnostics, error) {
	resolveStart := time.Now()
	resolution, err := resolve(ctx, req)
	if err != nil {
		return nil, nil, dbgerr.Wrap(dbgerr.ProviderError, "resolve attach target", err)
	}
	providerResolveMs := time.Since(resolveStart).Milliseconds()

	if resolution.PID != 0 {
		r.mu.Lock()
		for _, s := range r.sessions {
			if s.Kind == KindNative {
				var already bool
				s.Executor.State().View(func(st *state.DebuggerState) {
					already = st.HasPID && st.PID == resolution.PID
				})
				if already {
					r.mu.Unlock()
					return nil, nil, dbgerr.New(dbgerr.AttachFailed, fmt.Sprintf("pid %d is already attached as session %q", resolution.PID, s.Name))
				}
			}
		}
		r.mu.Unlock()
	}

	st := state.New()
	exe, diag, err := mgr.Run(ctx, req, resolution, providerResolveMs, st)
	if err != nil {
		hint := "run the app on the device and unlock it before attaching"
		if resolution.Environment() == attach.EnvironmentSimulator {
			hint = "boot the simulator and launch the app before attaching"
		}
		return nil, diag, dbgerr.Wrap(dbgerr.AttachFailed, "attach failed ("+hint+")", err)
	}

	st.Mutate(func(s *state.DebuggerState) {
		s.Connected = true
		s.PID = resolution.PID
		s.HasPID = true
	})

	sess := &Session{
		Kind:      KindNative,
		Executor:  &nativeExecutor{a: exe},
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.registerLocked(sess, name); err != nil {
		_ = exe.Disconnect()
		return nil, diag, err
	}
	return sess, diag, nil
}
