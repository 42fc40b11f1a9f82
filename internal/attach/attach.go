// Package attach implements the Apple-device attach strategy manager (spec
// §4.4): given a resolved provider target it drives an ordered sequence of
// attach attempts, validating the stop-state handshake after each one, and
// reports per-attempt diagnostics regardless of outcome.
package attach

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/state"
)

// Strategy is one of the two concrete attach mechanisms this daemon drives.
type Strategy string

const (
	StrategyAuto          Strategy = "auto"
	StrategyDeviceProcess Strategy = "device-process"
	StrategyGDBRemote     Strategy = "gdb-remote"
)

// Environment classifies where the resolved target is running.
type Environment string

const (
	EnvironmentDevice    Environment = "device"
	EnvironmentSimulator Environment = "simulator"
)

// AttachRequest is the caller-supplied attach parameters (spec §3).
type AttachRequest struct {
	Provider       string
	Platform       string
	BundleID       string
	DeviceID       string
	PID            int
	HasPID         bool
	Launch         bool
	AttachStrategy Strategy
	Timeout        time.Duration
	Verbose        bool
}

// ProviderResolutionResult is what a provider resolver yields for an
// AttachRequest (spec §3).
type ProviderResolutionResult struct {
	Provider       string
	Platform       string
	DeviceID       string
	BundleID       string
	PID            int
	AttachProtocol string
	Metadata       map[string]interface{}
}

// Environment reads metadata.attachEnvironment, defaulting to device.
func (r ProviderResolutionResult) Environment() Environment {
	if v, ok := r.Metadata["attachEnvironment"].(string); ok && v == string(EnvironmentSimulator) {
		return EnvironmentSimulator
	}
	return EnvironmentDevice
}

// GDBRemoteArgs are the exact DAP attach keys for the gdb-remote strategy
// (spec §4.4 step 3): hyphenated field names are preserved verbatim on the
// wire, not camelCased, since the debug adapter expects them literally.
type GDBRemoteArgs struct {
	Port     int
	Hostname string
	PID      int
	HasPID   bool
	TimeoutS int
}

// ToDAPArguments renders the exact wire shape lldb-dap expects.
func (a GDBRemoteArgs) ToDAPArguments() map[string]interface{} {
	hostname := a.Hostname
	if hostname == "" {
		hostname = "127.0.0.1"
	}
	args := map[string]interface{}{
		"gdb-remote-port":     a.Port,
		"gdb-remote-hostname": hostname,
		"timeout":             a.TimeoutS,
	}
	if a.HasPID {
		args["pid"] = a.PID
	}
	return args
}

// Attacher is the capability a concrete attach attempt needs from its
// executor; implementations wrap a fresh DAP transport per spec §4.4 step 1
// ("construct a fresh executor over the shared state").
type Attacher interface {
	AttachLLDB(ctx context.Context, pid int, attachCommands []string, timeout time.Duration) error
	AttachGDBRemote(ctx context.Context, args GDBRemoteArgs, timeout time.Duration) error
	WaitForPaused(ctx context.Context, timeout time.Duration) error
	State() *state.DebuggerState
	Disconnect() error
}

// CreateExecutorFunc constructs a fresh Attacher bound to st. Injectable for
// testability (spec §4.4 "injectable createExecutor ... factories").
type CreateExecutorFunc func(ctx context.Context, st *state.DebuggerState) (Attacher, error)

// DiscoverDebugProxyPortFunc resolves the local gdb-remote proxy port for a
// device id. Injectable for testability.
type DiscoverDebugProxyPortFunc func(ctx context.Context, deviceID string) (int, error)

// AttemptDiagnostic records one ordered attach attempt (spec §4.4).
type AttemptDiagnostic struct {
	Strategy   Strategy
	DurationMs int64
	Success    bool
	Error      string
}

// Diagnostics is the aggregate result of a Run call (spec §4.4).
type Diagnostics struct {
	RequestedStrategy Strategy
	SelectedStrategy  *Strategy
	ProviderResolveMs int64
	TotalMs           int64
	Attempts          []AttemptDiagnostic
}

// Manager drives the ordered attach attempt sequence.
type Manager struct {
	CreateExecutor          CreateExecutorFunc
	DiscoverDebugProxyPort  DiscoverDebugProxyPortFunc
}

// NewManager builds a Manager from its two injectable factories.
func NewManager(createExecutor CreateExecutorFunc, discoverDebugProxyPort DiscoverDebugProxyPortFunc) *Manager {
	return &Manager{CreateExecutor: createExecutor, DiscoverDebugProxyPort: discoverDebugProxyPort}
}

// strategiesFor implements spec §4.4 "Strategy order".
func strategiesFor(req AttachRequest, resolution ProviderResolutionResult) ([]Strategy, error) {
	if resolution.Environment() == EnvironmentSimulator {
		if req.AttachStrategy == StrategyGDBRemote {
			return nil, dbgerr.New(dbgerr.InvalidRequest, "gdb-remote attach is only supported for physical devices")
		}
		return []Strategy{StrategyDeviceProcess}, nil
	}

	switch req.AttachStrategy {
	case StrategyDeviceProcess:
		return []Strategy{StrategyDeviceProcess}, nil
	case StrategyGDBRemote:
		return []Strategy{StrategyGDBRemote}, nil
	default:
		return []Strategy{StrategyDeviceProcess, StrategyGDBRemote}, nil
	}
}

// Run executes the ordered attach attempts for req against resolution,
// returning the successful Attacher (caller owns its lifecycle) along with
// full diagnostics. On total failure the returned Attacher is nil and err is
// non-nil; diagnostics are still populated.
func (m *Manager) Run(ctx context.Context, req AttachRequest, resolution ProviderResolutionResult, providerResolveMs int64, st *state.DebuggerState) (Attacher, *Diagnostics, error) {
	start := time.Now()
	diag := &Diagnostics{RequestedStrategy: req.AttachStrategy, ProviderResolveMs: providerResolveMs}

	strategies, err := strategiesFor(req, resolution)
	if err != nil {
		diag.TotalMs = time.Since(start).Milliseconds()
		return nil, diag, err
	}

	var lastErr error
	for _, strat := range strategies {
		attemptStart := time.Now()
		attacher, attemptErr := m.attempt(ctx, strat, req, resolution, st)
		elapsed := time.Since(attemptStart).Milliseconds()

		ad := AttemptDiagnostic{Strategy: strat, DurationMs: elapsed, Success: attemptErr == nil}
		if attemptErr != nil {
			ad.Error = attemptErr.Error()
			diag.Attempts = append(diag.Attempts, ad)
			lastErr = attemptErr
			logging.S().Warnw("attach: attempt failed", "strategy", strat, "error", attemptErr)
			continue
		}

		diag.Attempts = append(diag.Attempts, ad)
		selected := strat
		diag.SelectedStrategy = &selected
		diag.TotalMs = time.Since(start).Milliseconds()
		return attacher, diag, nil
	}

	diag.TotalMs = time.Since(start).Milliseconds()
	if lastErr == nil {
		lastErr = dbgerr.New(dbgerr.AttachFailed, "no attach strategy available")
	}
	// Returned verbatim, not re-wrapped: diag.Attempts already carries every
	// strategy's individual error, and the mandated stop-state handshake
	// failure message (spec §8 seed scenario 3) must reach the caller intact.
	return nil, diag, lastErr
}

// attempt implements spec §4.4's "Per-attempt procedure" for a single
// strategy, including the post-attach stop-state handshake and rollback on
// failure.
func (m *Manager) attempt(ctx context.Context, strat Strategy, req AttachRequest, resolution ProviderResolutionResult, st *state.DebuggerState) (Attacher, error) {
	attacher, err := m.CreateExecutor(ctx, st)
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.AttachFailed, "construct executor", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	switch strat {
	case StrategyDeviceProcess:
		pid := req.PID
		if resolution.PID != 0 {
			pid = resolution.PID
		}
		if pid == 0 {
			_ = attacher.Disconnect()
			return nil, dbgerr.New(dbgerr.InvalidPID, "device-process attach requires a resolved pid")
		}
		var attachCommands []string
		if resolution.Environment() == EnvironmentDevice {
			attachCommands = []string{
				fmt.Sprintf("device select %s", resolution.DeviceID),
				fmt.Sprintf("device process attach --pid %d", pid),
			}
		}
		if err := attacher.AttachLLDB(ctx, pid, attachCommands, timeout); err != nil {
			_ = attacher.Disconnect()
			return nil, dbgerr.Wrap(dbgerr.AttachFailed, "device-process attach", err)
		}

	case StrategyGDBRemote:
		port, err := m.DiscoverDebugProxyPort(ctx, resolution.DeviceID)
		if err != nil {
			_ = attacher.Disconnect()
			return nil, dbgerr.Wrap(dbgerr.AttachFailed, "discover debug proxy port", err)
		}
		args := GDBRemoteArgs{
			Port:     port,
			Hostname: "127.0.0.1",
			TimeoutS: int(math.Ceil(float64(timeout.Milliseconds()) / 1000.0)),
		}
		if timeout > 0 && args.TimeoutS < 1 {
			args.TimeoutS = 1
		}
		pid := req.PID
		if resolution.PID != 0 {
			pid = resolution.PID
		}
		if pid != 0 {
			args.PID = pid
			args.HasPID = true
		}
		if err := attacher.AttachGDBRemote(ctx, args, timeout); err != nil {
			_ = attacher.Disconnect()
			return nil, dbgerr.Wrap(dbgerr.AttachFailed, "gdb-remote attach", err)
		}

	default:
		_ = attacher.Disconnect()
		return nil, dbgerr.New(dbgerr.AttachFailed, "unknown attach strategy: "+string(strat))
	}

	if err := attacher.WaitForPaused(ctx, timeout); err != nil {
		_ = attacher.Disconnect()
		return nil, dbgerr.Wrap(dbgerr.AttachFailed, "wait for pause after attach", err)
	}

	if err := validateStopStateHandshake(attacher.State()); err != nil {
		_ = attacher.Disconnect()
		return nil, err
	}

	return attacher, nil
}

// validateStopStateHandshake implements spec §4.4 step 4: "paused ∧ at
// least one active thread ∧ at least one call frame".
func validateStopStateHandshake(st *state.DebuggerState) error {
	var ok bool
	var reason string
	st.View(func(s *state.DebuggerState) {
		switch {
		case !s.Paused:
			reason = "not paused after attach"
		case s.DAP.ActiveThread == 0:
			reason = "no active thread after attach"
		case len(s.CallFrames) == 0:
			reason = "no call frames available"
		default:
			ok = true
		}
	})
	if !ok {
		return dbgerr.New(dbgerr.AttachFailed, "attach handshake failed: "+reason)
	}
	return nil
}
