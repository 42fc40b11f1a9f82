// Package vtable implements the virtual tables the query engine SELECTs
// from (spec §4.8): state-derived tables read straight off a session's
// DebuggerState, protocol-request tables issue one or more synchronous
// Executor.Send calls per query (network_headers instead reads headers
// captured in state), and event-store-derived tables read internal/eventstore.
//
// Tables are built fresh per command against the resolved session's
// dependencies (spec §5: "virtual tables only read" the executor/state they
// borrow) rather than held live across commands.
package vtable

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/eventstore"
	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/procsuper"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

// protocolRequestTimeout bounds every synchronous protocol call a
// protocol-request table issues.
const protocolRequestTimeout = 5 * time.Second

// Deps bundles everything a session's virtual tables may read from. A fresh
// Registry is built from Deps once per resolved session, per query.
type Deps struct {
	SessionID string
	Exe       executor.Executor
	State     *state.DebuggerState
	Store     *eventstore.Store     // nil if the event store is unavailable
	Sup       *procsuper.Supervisor // nil unless the session is `run`-managed
	Limiter   *rate.Limiter         // nil disables rate limiting (tests)
}

// Build constructs the table registry for one session (spec §4.8's three
// table categories, plus the supplemented proc_output table).
func Build(d Deps) *query.Registry {
	reg := query.NewRegistry()

	for _, t := range stateTables(d) {
		reg.Register(t)
	}
	for _, t := range protocolTables(d) {
		reg.Register(t)
	}
	for _, t := range eventStoreTables(d) {
		reg.Register(t)
	}
	reg.Register(newProcOutputTable(d))

	return reg
}

// rateLimit blocks until the limiter admits one protocol request,
// or returns ctx's error if it's cancelled first. A nil limiter never blocks.
func rateLimit(ctx context.Context, d Deps) error {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter.Wait(ctx)
}

// requireFilterString extracts column's literal string value from where,
// per the query engine's "required filter" contract: the column must appear
// somewhere in the tree as a top-level or subordinate '=' or LIKE
// comparison (already validated by the engine before Fetch runs).
func requireFilterString(where query.Expr, column string) (string, bool) {
	lit, ok := findFilter(where, column)
	if !ok {
		return "", false
	}
	if lit.IsString {
		return lit.Str, true
	}
	return fmt.Sprintf("%g", lit.Num), true
}

func findFilter(where query.Expr, column string) (query.Literal, bool) {
	switch n := where.(type) {
	case query.Comparison:
		if (n.Op == "=" || n.Op == "LIKE") && strings.EqualFold(n.Column, column) {
			return n.Literal, true
		}
	case query.Binary:
		if lit, ok := findFilter(n.Left, column); ok {
			return lit, true
		}
		return findFilter(n.Right, column)
	}
	return query.Literal{}, false
}

// sendJSON waits on the rate limiter, then issues a protocol request and
// returns its raw JSON result. A cancelled limiter wait is wrapped as
// RequestTimeout; errors from Executor.Send are returned unchanged.
func sendJSON(ctx context.Context, d Deps, method string, params interface{}) ([]byte, error) {
	if err := rateLimit(ctx, d); err != nil {
		return nil, dbgerr.Wrap(dbgerr.RequestTimeout, "rate limit wait", err)
	}
	raw, err := d.Exe.Send(ctx, method, params, protocolRequestTimeout)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func rowsOf(values ...interface{}) []interface{} { return values }
