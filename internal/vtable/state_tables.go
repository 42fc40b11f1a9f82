package vtable

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/dbgcli/dbgd/internal/executor"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

func stateTables(d Deps) []query.Table {
	return []query.Table{
		&framesTable{d},
		&scopesTable{d},
		&varsTable{d},
		&thisTable{d},
		&breakpointsTable{d},
		&scriptsTable{d},
		&consoleTable{d},
		&exceptionsTable{d},
		&asyncFramesTable{d},
		&threadsTable{d},
	}
}

// frameAt returns frameIdx's CallFrame (default 0), or false if out of range.
func frameAt(frames []state.CallFrame, idx int) (state.CallFrame, bool) {
	if idx < 0 || idx >= len(frames) {
		return state.CallFrame{}, false
	}
	return frames[idx], true
}

func frameIndexFilter(where query.Expr) int {
	if v, ok := requireFilterString(where, "frame"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// --- frames ---------------------------------------------------------------

type framesTable struct{ d Deps }

func (t *framesTable) Name() string              { return "frames" }
func (t *framesTable) RequiredFilters() []string { return nil }

func (t *framesTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"index", "function_name", "file", "url", "line", "col", "script_id"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for i, f := range s.CallFrames {
			rows = append(rows, rowsOf(i, f.Function, f.File, f.URL, f.Line, f.Col, f.ScriptID))
		}
	})
	return columns, rows, nil
}

// --- scopes -----------------------------------------------------------------

type scopesTable struct{ d Deps }

func (t *scopesTable) Name() string              { return "scopes" }
func (t *scopesTable) RequiredFilters() []string { return nil }

func (t *scopesTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"frame", "type", "name", "object_id"}
	frameIdx := frameIndexFilter(where)
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		frame, ok := frameAt(s.CallFrames, frameIdx)
		if !ok {
			return
		}
		for _, sc := range frame.ScopeChain {
			rows = append(rows, rowsOf(frameIdx, sc.Type, sc.Name, sc.ObjectID))
		}
	})
	return columns, rows, nil
}

// --- vars --------------------------------------------------------------

// varsTable maps each non-global scope's properties via a single
// Runtime.getProperties/variables call per scope, skipping the global scope
// and defaulting to frame 0 (spec §4.8).
type varsTable struct{ d Deps }

func (t *varsTable) Name() string              { return "vars" }
func (t *varsTable) RequiredFilters() []string { return nil }

func (t *varsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"frame", "scope", "name", "value"}
	frameIdx := frameIndexFilter(where)

	var scopes []state.Scope
	t.d.State.View(func(s *state.DebuggerState) {
		if frame, ok := frameAt(s.CallFrames, frameIdx); ok {
			scopes = frame.ScopeChain
		}
	})

	var rows [][]interface{}
	for _, sc := range scopes {
		if sc.Type == "global" {
			continue
		}
		id := scopeRequestID(sc)
		if id == nil {
			continue
		}
		raw, err := sendJSON(ctx, t.d, "Runtime.getProperties", map[string]interface{}{
			"objectId":      id,
			"ownProperties": true,
		})
		if err != nil {
			return nil, nil, err
		}
		props, err := parseProperties(raw)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range props {
			rows = append(rows, rowsOf(frameIdx, sc.Type, p.Name, p.Value))
		}
	}
	return columns, rows, nil
}

func scopeRequestID(sc state.Scope) interface{} {
	if sc.ObjectID != "" {
		return sc.ObjectID
	}
	if sc.VariablesRef != 0 {
		return sc.VariablesRef
	}
	return nil
}

// --- this ----------------------------------------------------------------

// thisTable evaluates "this" on the chosen frame (default 0) via a single
// evaluateOnCallFrame/evaluate call, formatted the same way as vars.
type thisTable struct{ d Deps }

func (t *thisTable) Name() string              { return "this" }
func (t *thisTable) RequiredFilters() []string { return nil }

func (t *thisTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"frame", "value"}
	frameIdx := frameIndexFilter(where)

	var frame state.CallFrame
	var found bool
	t.d.State.View(func(s *state.DebuggerState) {
		frame, found = frameAt(s.CallFrames, frameIdx)
	})
	if !found {
		return columns, nil, nil
	}

	args := map[string]interface{}{
		"callFrameId": frame.FrameID,
		"expression":  "this",
	}
	if t.d.Exe.Kind() == executor.KindDAP {
		if id, err := strconv.Atoi(frame.FrameID); err == nil {
			args["frameId"] = id
		}
	}
	raw, err := sendJSON(ctx, t.d, "Debugger.evaluateOnCallFrame", args)
	if err != nil {
		return nil, nil, err
	}
	value, err := parseEvalResult(raw)
	if err != nil {
		return nil, nil, err
	}
	return columns, [][]interface{}{rowsOf(frameIdx, value)}, nil
}

// --- breakpoints -----------------------------------------------------------

type breakpointsTable struct{ d Deps }

func (t *breakpointsTable) Name() string              { return "breakpoints" }
func (t *breakpointsTable) RequiredFilters() []string { return nil }

func (t *breakpointsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "file", "line", "condition", "hits", "enabled"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for _, bp := range s.Breakpoints {
			rows = append(rows, rowsOf(bp.ID, bp.File, bp.Line, bp.Condition, bp.Hits, bp.Enabled))
		}
	})
	return columns, rows, nil
}

// --- scripts -----------------------------------------------------------

type scriptsTable struct{ d Deps }

func (t *scriptsTable) Name() string              { return "scripts" }
func (t *scriptsTable) RequiredFilters() []string { return nil }

func (t *scriptsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"script_id", "file", "url", "lines", "is_module"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for _, info := range s.Scripts {
			rows = append(rows, rowsOf(info.ID, info.File, info.URL, info.Lines, info.IsModule))
		}
	})
	return columns, rows, nil
}

// --- console -----------------------------------------------------------

type consoleTable struct{ d Deps }

func (t *consoleTable) Name() string              { return "console" }
func (t *consoleTable) RequiredFilters() []string { return nil }

func (t *consoleTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"ts", "type", "text"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for _, c := range s.Console {
			rows = append(rows, rowsOf(c.Ts.UnixMilli(), c.Type, c.Text))
		}
	})
	return columns, rows, nil
}

// --- exceptions --------------------------------------------------------

type exceptionsTable struct{ d Deps }

func (t *exceptionsTable) Name() string              { return "exceptions" }
func (t *exceptionsTable) RequiredFilters() []string { return nil }

func (t *exceptionsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"ts", "text", "details"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for _, e := range s.Exceptions {
			rows = append(rows, rowsOf(e.Ts.UnixMilli(), e.Text, e.Details))
		}
	})
	return columns, rows, nil
}

// --- async_frames --------------------------------------------------------

type asyncFramesTable struct{ d Deps }

func (t *asyncFramesTable) Name() string              { return "async_frames" }
func (t *asyncFramesTable) RequiredFilters() []string { return nil }

func (t *asyncFramesTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "function_name", "file", "line", "parent_id", "description"}
	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		for _, f := range s.AsyncTrace {
			rows = append(rows, rowsOf(f.ID, f.Function, f.File, f.Line, f.ParentID, f.Description))
		}
	})
	return columns, rows, nil
}

// --- threads -------------------------------------------------------------

// threadsTable reads state first; if empty and the session speaks DAP, it
// falls back to one live "threads" request (spec §4.8 "state-first, fall
// back to protocol request"). CDP has no multi-thread concept, so a paused
// CDP session synthesizes a single "main" thread instead of erroring.
type threadsTable struct{ d Deps }

func (t *threadsTable) Name() string              { return "threads" }
func (t *threadsTable) RequiredFilters() []string { return nil }

func (t *threadsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"id", "name"}

	var threads []state.Thread
	var paused bool
	t.d.State.View(func(s *state.DebuggerState) {
		if s.DAP != nil {
			threads = append([]state.Thread(nil), s.DAP.Threads...)
		}
		paused = s.Paused
	})
	if len(threads) > 0 {
		rows := make([][]interface{}, 0, len(threads))
		for _, th := range threads {
			rows = append(rows, rowsOf(th.ID, th.Name))
		}
		return columns, rows, nil
	}

	if t.d.Exe.Kind() == executor.KindDAP {
		raw, err := sendJSON(ctx, t.d, "threads", nil)
		if err != nil {
			return nil, nil, err
		}
		var parsed struct {
			Threads []struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			} `json:"threads"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, nil, err
		}
		rows := make([][]interface{}, 0, len(parsed.Threads))
		for _, th := range parsed.Threads {
			rows = append(rows, rowsOf(th.ID, th.Name))
		}
		return columns, rows, nil
	}

	if paused {
		return columns, [][]interface{}{rowsOf(1, "main")}, nil
	}
	return columns, nil, nil
}
