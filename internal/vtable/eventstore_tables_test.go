package vtable

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/eventstore"
	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := eventstore.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventsTableReturnsStoredRowsInInsertOrder(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	store.Record(eventstore.NewEvent(time.Now(), "cdp", "event", "Debugger.paused", "s1", map[string]string{"a": "1"}), true)
	store.Record(eventstore.NewEvent(time.Now(), "cdp", "event", "Runtime.evaluate", "s1", "ok"), true)

	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st), Store: store})

	res, err := query.Execute(context.Background(), "SELECT * FROM events", reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "Debugger.paused", res.Rows[0][4])
	require.Equal(t, "Runtime.evaluate", res.Rows[1][4])
}

func TestCdpTableFiltersToCDPSource(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	store.Record(eventstore.NewEvent(time.Now(), "cdp", "event", "Debugger.paused", "s1", "x"), true)
	store.Record(eventstore.NewEvent(time.Now(), "dap", "event", "stopped", "s1", "y"), true)

	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st), Store: store})

	res, err := query.Execute(context.Background(), "SELECT * FROM cdp", reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "Debugger.paused", res.Rows[0][3])

	resAlias, err := query.Execute(context.Background(), "SELECT * FROM cdp_messages", reg)
	require.NoError(t, err)
	require.Equal(t, res.Rows, resAlias.Rows)
}

func TestClassifyStreamDerivesFromMethodPrefix(t *testing.T) {
	t.Parallel()
	require.Equal(t, "exception", classifyStream("event", "Runtime.exceptionThrown"))
	require.Equal(t, "network", classifyStream("event", "Network.responseReceived"))
	require.Equal(t, "debugger", classifyStream("event", "Debugger.paused"))
	require.Equal(t, "console", classifyStream("event", "Log.entryAdded"))
	require.Equal(t, "command", classifyStream("command", "run"))
	require.Equal(t, "protocol", classifyStream("event", "Target.attachedToTarget"))
}

func TestClassifySeverityPrefersErrorThenWarnThenInfo(t *testing.T) {
	t.Parallel()
	require.Equal(t, "error", classifySeverity("Runtime.exceptionThrown", "event", "boom"))
	require.Equal(t, "warn", classifySeverity("Log.warningAdded", "event", ""))
	require.Equal(t, "info", classifySeverity("Debugger.paused", "event", ""))
}

func TestCoalesceCompactMergesAdjacentIdenticalRows(t *testing.T) {
	t.Parallel()
	rows := []timelineRow{
		{ID: 1, Stream: "debugger", Phase: "start", Method: "Runtime.evaluate", Summary: "send", Severity: "info"},
		{ID: 2, Stream: "debugger", Phase: "start", Method: "Runtime.evaluate", Summary: "send", Severity: "info"},
		{ID: 3, Stream: "network", Phase: "complete", Method: "Network.responseReceived", Summary: "ok", Severity: "info"},
		{ID: 4, Stream: "exception", Phase: "complete", Method: "Runtime.exceptionThrown", Summary: "boom", Severity: "error"},
	}
	out := coalesceCompact(rows)
	require.Len(t, out, 3)
	require.Equal(t, "send (x2)", out[0].Summary)
	require.Equal(t, "events:1-2", out[0].RawRef)
	require.Equal(t, "error", out[2].Severity)
}

func TestTruncateSummariesRespectsDetailLevel(t *testing.T) {
	t.Parallel()
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	rows := []timelineRow{{Summary: string(long)}}

	truncateSummaries(rows, "compact")
	require.Len(t, rows[0].Summary, 160)

	rows[0].Summary = string(long)
	truncateSummaries(rows, "standard")
	require.Len(t, rows[0].Summary, 400)

	rows[0].Summary = string(long)
	truncateSummaries(rows, "full")
	require.Len(t, rows[0].Summary, 500)
}

func TestTimelineTableCoalescesInCompactMode(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	now := time.Now()
	store.Record(eventstore.NewEvent(now, "cdp", "request", "Runtime.evaluate", "s1", map[string]string{}), false)
	store.Record(eventstore.NewEvent(now, "cdp", "request", "Runtime.evaluate", "s1", map[string]string{}), false)
	store.Record(eventstore.NewEvent(now, "cdp", "event", "Network.responseReceived", "s1", map[string]string{}), false)
	store.Record(eventstore.NewEvent(now, "cdp", "event", "Runtime.exceptionThrown", "s1", map[string]string{"message": "boom"}), true)

	st := state.New()
	reg := Build(Deps{State: st, Exe: newFakeExecutor(executor.KindCDP, st), Store: store})

	res, err := query.Execute(context.Background(), "SELECT * FROM timeline WHERE detail = 'compact'", reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	require.Equal(t, "error", res.Rows[2][7])
}
