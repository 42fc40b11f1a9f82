package vtable

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dbgcli/dbgd/internal/eventstore"
	"github.com/dbgcli/dbgd/internal/query"
)

// recentEventsLimit bounds how far back timeline/cdp/connections look,
// matching the "most recent N (≈1500) events" window from spec §4.8.
const recentEventsLimit = 1500

func eventStoreTables(d Deps) []query.Table {
	return []query.Table{
		&eventsTable{d},
		&cdpTable{d, "cdp"},
		&cdpTable{d, "cdp_messages"},
		&connectionsTable{d},
		&timelineTable{d},
	}
}

func storeRows(ctx context.Context, store *eventstore.Store, sqlText string, args ...interface{}) ([]eventstore.Row, error) {
	if store == nil {
		return nil, nil
	}
	return store.Query(ctx, sqlText, args...)
}

// --- events ----------------------------------------------------------------

// eventsTable exposes the raw stored_event rows (spec §4.6/§4.8).
type eventsTable struct{ d Deps }

func (t *eventsTable) Name() string              { return "events" }
func (t *eventsTable) RequiredFilters() []string { return nil }

func (t *eventsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "ts", "source", "category", "method", "data", "session_id"}
	rows, err := storeRows(ctx, t.d.Store, `SELECT id, ts, source, category, method, data, session_id FROM events ORDER BY id DESC LIMIT ?`, recentEventsLimit)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]interface{}, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, rowsOf(r["id"], r["ts"], r["source"], r["category"], r["method"], r["data"], r["session_id"]))
	}
	return columns, out, nil
}

// --- cdp / cdp_messages ------------------------------------------------

// cdpTable filters events to source='cdp'; cdp_messages is a named alias
// of the same view (spec §4.8).
type cdpTable struct {
	d    Deps
	name string
}

func (t *cdpTable) Name() string              { return t.name }
func (t *cdpTable) RequiredFilters() []string { return nil }

func (t *cdpTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "ts", "category", "method", "data", "session_id"}
	rows, err := storeRows(ctx, t.d.Store, `SELECT id, ts, category, method, data, session_id FROM events WHERE source = 'cdp' ORDER BY id DESC LIMIT ?`, recentEventsLimit)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]interface{}, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, rowsOf(r["id"], r["ts"], r["category"], r["method"], r["data"], r["session_id"]))
	}
	return columns, out, nil
}

// --- connections ---------------------------------------------------------

// connectionsTable derives one row per distinct session_id/source pair seen
// in recent events, summarizing transport activity (spec §4.8).
type connectionsTable struct{ d Deps }

func (t *connectionsTable) Name() string              { return "connections" }
func (t *connectionsTable) RequiredFilters() []string { return nil }

func (t *connectionsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"session_id", "source", "first_ts", "last_ts", "event_count"}
	rows, err := storeRows(ctx, t.d.Store, `
		SELECT session_id, source, MIN(ts) AS first_ts, MAX(ts) AS last_ts, COUNT(*) AS event_count
		FROM events
		WHERE id > (SELECT MAX(id) FROM events) - ?
		GROUP BY session_id, source
		ORDER BY last_ts DESC`, recentEventsLimit)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowsOf(r["session_id"], r["source"], r["first_ts"], r["last_ts"], r["event_count"]))
	}
	return columns, out, nil
}

// --- timeline --------------------------------------------------------------

// timelineTable classifies recent events into the shape spec §4.8 describes:
// stream/phase/severity derivation, detail-level summary truncation, and
// compact-mode coalescing of adjacent identical non-error rows.
type timelineTable struct{ d Deps }

func (t *timelineTable) Name() string              { return "timeline" }
func (t *timelineTable) RequiredFilters() []string { return nil }

type timelineRow struct {
	ID         int64
	Ts         int64
	Stream     string
	Phase      string
	Entity     string
	Method     string
	Summary    string
	Severity   string
	DurationMs interface{}
	SessionID  string
	RawRef     string
}

func (t *timelineTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "ts", "stream", "phase", "entity", "method", "summary", "severity", "duration_ms", "session_id", "raw_ref", "detail", "include", "window_ms"}

	detail, _ := requireFilterString(where, "detail")
	if detail == "" {
		detail = "standard"
	}
	include, _ := requireFilterString(where, "include")
	if include == "" {
		include = "all"
	}
	windowMsStr, hasWindow := requireFilterString(where, "window_ms")

	raw, err := storeRows(ctx, t.d.Store, `SELECT id, ts, source, category, method, data, session_id FROM events ORDER BY id DESC LIMIT ?`, recentEventsLimit)
	if err != nil {
		return nil, nil, err
	}
	// raw came back newest-first; restore wire order.
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}

	classified := make([]timelineRow, 0, len(raw))
	for _, r := range raw {
		classified = append(classified, classifyEvent(r))
	}

	if hasWindow {
		if windowMs, err := strconv.ParseInt(windowMsStr, 10, 64); err == nil {
			classified = applyWindow(classified, windowMs)
		}
	}

	classified = filterByInclude(classified, include)

	if detail == "compact" {
		classified = coalesceCompact(classified)
	}
	truncateSummaries(classified, detail)

	rows := make([][]interface{}, 0, len(classified))
	for _, c := range classified {
		rows = append(rows, rowsOf(c.ID, c.Ts, c.Stream, c.Phase, c.Entity, c.Method, c.Summary, c.Severity, c.DurationMs, c.SessionID, c.RawRef, detail, include, windowMsStr))
	}
	return columns, rows, nil
}

func classifyEvent(r eventstore.Row) timelineRow {
	id, _ := r["id"].(int64)
	ts, _ := r["ts"].(int64)
	category, _ := r["category"].(string)
	method, _ := r["method"].(string)
	sessionID, _ := r["session_id"].(string)
	dataStr, _ := r["data"].(string)

	stream := classifyStream(category, method)
	phase := classifyPhase(method)
	entity := classifyEntity(method, dataStr)
	errText := extractErrorText(dataStr)
	severity := classifySeverity(method, category, errText)
	summary := buildSummary(method, dataStr, errText)

	return timelineRow{
		ID:        id,
		Ts:        ts,
		Stream:    stream,
		Phase:     phase,
		Entity:    entity,
		Method:    method,
		Summary:   summary,
		Severity:  severity,
		SessionID: sessionID,
		RawRef:    fmt.Sprintf("events:%d-%d", id, id),
	}
}

func classifyStream(category, method string) string {
	switch {
	case method == "Runtime.exceptionThrown":
		return "exception"
	case strings.HasPrefix(method, "Network."):
		return "network"
	case strings.HasPrefix(method, "Page."):
		return "page"
	case strings.HasPrefix(method, "Debugger."):
		return "debugger"
	case strings.HasPrefix(method, "Log."):
		return "console"
	case category == "command":
		return "command"
	default:
		return "protocol"
	}
}

func classifyPhase(method string) string {
	switch {
	case strings.HasSuffix(method, "Received") || strings.HasSuffix(method, "Thrown") || strings.HasSuffix(method, "Finished"):
		return "complete"
	case strings.HasSuffix(method, "Sent") || strings.HasSuffix(method, "Requested"):
		return "start"
	default:
		return "event"
	}
}

func classifyEntity(method, data string) string {
	var probe struct {
		RequestID string `json:"requestId"`
		ScriptID  string `json:"scriptId"`
	}
	_ = json.Unmarshal([]byte(data), &probe)
	switch {
	case probe.RequestID != "":
		return probe.RequestID
	case probe.ScriptID != "":
		return probe.ScriptID
	default:
		return method
	}
}

func extractErrorText(data string) string {
	var probe struct {
		ErrorText    string `json:"errorText"`
		Message      string `json:"message"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return ""
	}
	switch {
	case probe.ExceptionDetails != nil && probe.ExceptionDetails.Text != "":
		return probe.ExceptionDetails.Text
	case probe.ErrorText != "":
		return probe.ErrorText
	case probe.Message != "":
		return probe.Message
	}
	return ""
}

func classifySeverity(method, category, errText string) string {
	switch {
	case errText != "":
		return "error"
	case strings.Contains(strings.ToLower(method), "warn"):
		return "warn"
	case category == "command" || strings.HasPrefix(method, "Network.") && strings.Contains(method, "Frame"):
		return "trace"
	default:
		return "info"
	}
}

func buildSummary(method, data, errText string) string {
	if errText != "" {
		return errText
	}
	if data == "" {
		return method
	}
	return data
}

func applyWindow(rows []timelineRow, windowMs int64) []timelineRow {
	anchor := int64(0)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Severity == "error" {
			anchor = rows[i].Ts
			break
		}
	}
	if anchor == 0 && len(rows) > 0 {
		anchor = rows[len(rows)-1].Ts
	}
	lo := anchor - windowMs
	var out []timelineRow
	for _, r := range rows {
		if r.Ts >= lo && r.Ts <= anchor {
			out = append(out, r)
		}
	}
	return out
}

func filterByInclude(rows []timelineRow, include string) []timelineRow {
	if include == "all" {
		return rows
	}
	var out []timelineRow
	for _, r := range rows {
		keep := false
		switch include {
		case "errors":
			keep = r.Severity == "error"
		case "network":
			keep = r.Stream == "network"
		case "debugger":
			keep = r.Stream == "debugger"
		case "browser":
			keep = r.Stream == "page" || r.Stream == "console" || r.Stream == "exception"
		}
		if keep {
			out = append(out, r)
		}
	}
	return out
}

func coalesceCompact(rows []timelineRow) []timelineRow {
	var out []timelineRow
	i := 0
	for i < len(rows) {
		cur := rows[i]
		if cur.Severity == "error" {
			out = append(out, cur)
			i++
			continue
		}
		j := i + 1
		count := 1
		for j < len(rows) && sameTimelineShape(rows[j], cur) && rows[j].Severity != "error" {
			count++
			j++
		}
		if count > 1 {
			cur.Summary = fmt.Sprintf("%s (x%d)", cur.Summary, count)
			cur.RawRef = fmt.Sprintf("events:%d-%d", rows[i].ID, rows[j-1].ID)
		}
		out = append(out, cur)
		i = j
	}
	return out
}

func sameTimelineShape(a, b timelineRow) bool {
	return a.Stream == b.Stream && a.Phase == b.Phase && a.Method == b.Method && a.Entity == b.Entity && a.Summary == b.Summary && a.SessionID == b.SessionID
}

func truncateSummaries(rows []timelineRow, detail string) {
	limit := 0
	switch detail {
	case "compact":
		limit = 160
	case "standard":
		limit = 400
	default:
		limit = 0 // full: unlimited
	}
	if limit == 0 {
		return
	}
	for i := range rows {
		if len(rows[i].Summary) > limit {
			rows[i].Summary = rows[i].Summary[:limit]
		}
	}
}
