// Package eventstore implements the batched async writer from spec §4.6: a
// single embedded SQL database (WAL/NORMAL-sync) written through Record and
// queried by internal/vtable's `events`/`cdp`/`timeline` virtual tables. The
// transports and executors in this repository do not call Record, so the
// store holds only the events that a caller records explicitly.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/logging"
	"github.com/dbgcli/dbgd/internal/metrics"
)

const flushPeriod = 100 * time.Millisecond

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		source TEXT NOT NULL,
		category TEXT NOT NULL,
		method TEXT NOT NULL,
		data TEXT NOT NULL,
		session_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
	`CREATE INDEX IF NOT EXISTS idx_events_method ON events(method)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id)`,
}

// StoredEvent is one row of the events table (spec §4.6).
type StoredEvent struct {
	ID        int64
	Ts        int64
	Source    string
	Category  string
	Method    string
	Data      json.RawMessage
	SessionID string
}

// Row is an event (or any query result row) rendered as a generic
// dictionary, the shape `query(sql, params)` and every virtual table's
// `fetch` return (spec §4.6 "returns rows as dictionaries").
type Row map[string]interface{}

// NewEvent builds a StoredEvent from an arbitrary payload, falling back to
// `{"error":"unserializable"}` if it cannot be marshaled — recording never
// fails the caller (spec §4.6).
func NewEvent(ts time.Time, source, category, method, sessionID string, payload interface{}) StoredEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"unserializable"}`)
	}
	return StoredEvent{
		Ts:        ts.UnixMilli(),
		Source:    source,
		Category:  category,
		Method:    method,
		Data:      data,
		SessionID: sessionID,
	}
}

// Store is the batched, periodically-flushed writer over a single embedded
// SQL database (spec §4.6).
type Store struct {
	db *sql.DB
	m  *metrics.Metrics

	mu      sync.Mutex
	pending []StoredEvent
	closed  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open opens (creating if absent) the database at path, sets WAL/NORMAL
// pragmas, ensures the schema exists, and starts the ~100ms flush timer.
// m may be nil (e.g. in tests) to skip metric recording.
func Open(path string, m *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writers internally; a single
	// connection avoids SQLITE_BUSY contention between the flusher and
	// query() calls on the same underlying handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("eventstore: set %q: %w", pragma, err)
		}
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("eventstore: apply schema: %w", err)
		}
	}

	s := &Store{
		db:     db,
		m:      m,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Record pushes ev onto the pending buffer (spec §4.6 "record(event,
// flushNow?)"). flushNow forces a synchronous flush after enqueueing.
func (s *Store) Record(ev StoredEvent, flushNow bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	depth := len(s.pending)
	s.mu.Unlock()

	if s.m != nil {
		s.m.EventStoreQueue.Set(float64(depth))
	}
	if flushNow {
		if err := s.FlushNow(); err != nil {
			logging.S().Errorw("eventstore: forced flush failed", "error", err)
		}
	}
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.flush(); err != nil {
				logging.S().Errorw("eventstore: periodic flush failed", "error", err)
			}
		case <-s.stopCh:
			if err := s.flush(); err != nil {
				logging.S().Errorw("eventstore: final flush failed", "error", err)
			}
			return
		}
	}
}

// FlushNow synchronously flushes whatever is currently pending.
func (s *Store) FlushNow() error {
	return s.flush()
}

func (s *Store) flush() error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	start := time.Now()
	err := s.writeBatch(batch)
	if s.m != nil {
		s.m.EventStoreFlushDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.m != nil {
			s.m.EventStoreErrors.Inc()
		}
		// On transaction failure, prepend the batch back onto the buffer
		// for retry on the next flush (spec §4.6).
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		depth := len(s.pending)
		s.mu.Unlock()
		if s.m != nil {
			s.m.EventStoreQueue.Set(float64(depth))
		}
		return err
	}

	if s.m != nil {
		s.mu.Lock()
		depth := len(s.pending)
		s.mu.Unlock()
		s.m.EventStoreQueue.Set(float64(depth))
	}
	return nil
}

func (s *Store) writeBatch(batch []StoredEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("eventstore: begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events (ts, source, category, method, data, session_id) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("eventstore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.Ts, ev.Source, ev.Category, ev.Method, string(ev.Data), nullableString(ev.SessionID)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("eventstore: insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Query flushes pending writes, then executes query with params and returns
// rows as dictionaries (spec §4.6 "query(sql, params)").
func (s *Store) Query(ctx context.Context, query string, params ...interface{}) ([]Row, error) {
	if err := s.FlushNow(); err != nil {
		return nil, dbgerr.Wrap(dbgerr.RequestFailed, "flush before query", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.ParseError, "execute query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("eventstore: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("eventstore: scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close stops the flush loop (performing one final synchronous flush) and
// closes the underlying database handle (spec §4.5 "Command socket...
// close the event store").
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return s.db.Close()
}
