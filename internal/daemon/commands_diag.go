package daemon

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/session"
	"github.com/dbgcli/dbgd/internal/vtable"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

const defaultTraceLimit = 200
const defaultProcOutputLimit = 200

// buildTables constructs the per-session virtual-table registry a query or
// trace read runs against (spec §4.8 "fresh per command").
func buildTables(d *Daemon, sess *session.Session) *query.Registry {
	return vtable.Build(vtable.Deps{
		SessionID: sess.Name,
		Exe:       sess.Executor,
		State:     sess.Executor.State(),
		Store:     d.Store,
		Sup:       sess.Supervisor,
		Limiter:   d.vtableLimiter,
	})
}

func cmdTrace(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	limit := defaultTraceLimit
	if arg := strings.TrimSpace(req.Args); arg != "" {
		v, convErr := strconv.Atoi(arg)
		if convErr != nil || v <= 0 {
			return nil, dbgerr.New(dbgerr.InvalidCommand, fmt.Sprintf("invalid trace limit %q", arg))
		}
		limit = v
	}

	reg := buildTables(d, sess)
	sql := fmt.Sprintf("SELECT * FROM timeline ORDER BY ts DESC LIMIT %d", limit)
	res, err := query.Execute(ctx, sql, reg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"columns": res.Columns, "rows": res.Rows}, nil
}

// cmdProcOutput returns the last n lines (default 200) of the managed
// target subprocess's terminal buffer, read back through the proc_output
// virtual table in chronological order (oldest first, newest last).
func cmdProcOutput(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	limit := defaultProcOutputLimit
	if arg := strings.TrimSpace(req.Args); arg != "" {
		v, convErr := strconv.Atoi(arg)
		if convErr != nil || v <= 0 {
			return nil, dbgerr.New(dbgerr.InvalidCommand, fmt.Sprintf("invalid proc-output limit %q", arg))
		}
		limit = v
	}

	reg := buildTables(d, sess)
	sql := fmt.Sprintf("SELECT * FROM proc_output ORDER BY index DESC LIMIT %d", limit)
	res, err := query.Execute(ctx, sql, reg)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(res.Rows)-1; i < j; i, j = i+1, j-1 {
		res.Rows[i], res.Rows[j] = res.Rows[j], res.Rows[i]
	}
	return map[string]interface{}{"columns": res.Columns, "rows": res.Rows}, nil
}

func cmdHealth(_ context.Context, d *Daemon, _ protocol.Request) (map[string]interface{}, error) {
	rendered, err := d.Metrics.Snapshot()
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.RequestFailed, "render metrics snapshot", err)
	}
	sessions, current := d.Registry.List()
	return map[string]interface{}{
		"metrics":       rendered,
		"sessionCount":  len(sessions),
		"currentSession": current,
	}, nil
}

func cmdReconnect(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	restored, err := d.Registry.Restart(ctx, sess.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": sess.Name, "breakpointsRestored": restored}, nil
}

func cmdQuery(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Args) == "" {
		return nil, dbgerr.New(dbgerr.ParseError, "q requires a SQL query")
	}

	reg := buildTables(d, sess)
	res, err := query.Execute(ctx, req.Args, reg)
	if err != nil {
		return nil, err
	}
	rendered, err := res.Render()
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.RequestFailed, "render query result", err)
	}
	return map[string]interface{}{
		"columns":  res.Columns,
		"rows":     res.Rows,
		"json":     res.JSON,
		"rendered": rendered,
	}, nil
}
