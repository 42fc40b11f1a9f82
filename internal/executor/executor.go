// Package executor adapts protocol-specific verbs to the uniform Executor
// capability (spec §4.3) and maintains each session's derived DebuggerState.
//
// The source's interface dispatch over protocol:"cdp"|"dap" is reimplemented
// here as a tagged sum of two concrete executor types (CDP, DAP) behind one
// capability set (spec §9 "Protocol-polymorphism across executors"); the
// daemon discriminates on Kind() once and then holds a plain Executor.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dbgcli/dbgd/internal/state"
)

// Kind identifies which concrete executor implementation is in play.
type Kind string

const (
	KindCDP Kind = "cdp"
	KindDAP Kind = "dap"
)

// Executor is the uniform capability a session exposes to commands and
// virtual tables (spec §4.3 "Session executor").
type Executor interface {
	Kind() Kind

	// Disconnect tears down the underlying transport. Idempotent.
	Disconnect() error

	// Send issues a protocol-shaped verb. For CDP this is (method, params)
	// passed straight through; for DAP this is translated per the verb
	// mapping table in spec §4.3.
	Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)

	// WaitForPaused resolves once state.Paused is true. The DAP executor
	// also waits until its stop epoch is at least minEpoch; the CDP
	// executor, which has no epoch concept, ignores minEpoch. See spec §4.3
	// "Pause-waiter discipline".
	WaitForPaused(ctx context.Context, timeout time.Duration, minEpoch uint64) error

	// State returns the session's derived DebuggerState. Callers must use
	// its View/Mutate accessors rather than racing on fields directly.
	State() *state.DebuggerState
}
