package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordFlushNowPersistsImmediately(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	s.Record(NewEvent(time.Now(), "cdp", "event", "Debugger.paused", "s0", map[string]int{"a": 1}), true)

	rows, err := s.Query(context.Background(), "SELECT method, session_id FROM events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Debugger.paused", rows[0]["method"])
	require.Equal(t, "s0", rows[0]["session_id"])
}

func TestRecordWithoutFlushNowIsVisibleAfterPeriodicFlush(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	s.Record(NewEvent(time.Now(), "dap", "event", "stopped", "", nil), false)

	require.Eventually(t, func() bool {
		rows, err := s.Query(context.Background(), "SELECT COUNT(*) AS n FROM events")
		require.NoError(t, err)
		n, _ := rows[0]["n"].(int64)
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueryFlushesPendingFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	// No flushNow: Query itself must flush before reading.
	s.Record(NewEvent(time.Now(), "cdp", "request", "Runtime.evaluate", "s1", "ok"), false)

	rows, err := s.Query(context.Background(), "SELECT method FROM events WHERE session_id = ?", "s1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Runtime.evaluate", rows[0]["method"])
}

func TestNewEventFallsBackOnUnserializablePayload(t *testing.T) {
	t.Parallel()
	// A channel cannot be marshaled to JSON.
	ev := NewEvent(time.Now(), "cdp", "event", "X", "", make(chan int))
	require.JSONEq(t, `{"error":"unserializable"}`, string(ev.Data))
}

func TestCloseRunsFinalFlush(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	s.Record(NewEvent(time.Now(), "cdp", "event", "Page.loadEventFired", "", nil), false)
	require.NoError(t, s.Close())

	// A fresh handle against the same file should see the flushed row.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	rows, err := s2.Query(context.Background(), "SELECT method FROM events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Page.loadEventFired", rows[0]["method"])
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s.Record(NewEvent(time.Now(), "cdp", "event", "ignored", "", nil), true)
	// Closed store silently drops further writes; nothing to assert against
	// the (now-closed) db handle beyond Record not panicking.
}
