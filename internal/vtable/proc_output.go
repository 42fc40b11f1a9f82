package vtable

import (
	"context"
	"strings"

	"github.com/dbgcli/dbgd/internal/query"
)

// newProcOutputTable backs the supplemented proc_output table (SPEC_FULL.md
// §3.1/§6.1/§8.1): one row per line of the managed child process's bounded
// scrollback, newest last. Returns no rows for sessions that don't own a
// managed process.
func newProcOutputTable(d Deps) query.Table {
	return &procOutputTable{d}
}

type procOutputTable struct{ d Deps }

func (t *procOutputTable) Name() string              { return "proc_output" }
func (t *procOutputTable) RequiredFilters() []string { return nil }

func (t *procOutputTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"index", "text"}
	if t.d.Sup == nil {
		return columns, nil, nil
	}

	buf := t.d.Sup.Output()
	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return columns, nil, nil
	}

	lines := strings.Split(text, "\n")
	rows := make([][]interface{}, 0, len(lines))
	for i, line := range lines {
		rows = append(rows, rowsOf(i, strings.TrimSuffix(line, "\r")))
	}
	return columns, rows, nil
}
