package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dbgcli/dbgd/internal/dbgerr"
)

// Result is the fully-processed output of a query: final projected columns
// and rows, plus whether JSON output was requested via the `\j` sentinel.
type Result struct {
	Columns []string
	Rows    [][]interface{}
	JSON    bool
}

// Execute parses and runs raw against reg.
func Execute(ctx context.Context, raw string, reg *Registry) (*Result, error) {
	q, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Run(ctx, q, reg)
}

// Run executes an already-parsed Query (spec §4.7 "Execution").
func Run(ctx context.Context, q *Query, reg *Registry) (*Result, error) {
	table, ok := reg.lookup(q.Table)
	if !ok {
		return nil, dbgerr.New(dbgerr.UnknownTable, fmt.Sprintf("unknown table %q", q.Table))
	}

	if missing := firstMissingFilter(q.Where, table.RequiredFilters()); missing != "" {
		return nil, dbgerr.New(dbgerr.MissingRequiredFilter, fmt.Sprintf("table %q requires filter %q", q.Table, missing))
	}

	columns, rows, err := table.Fetch(ctx, q.Where)
	if err != nil {
		return nil, err
	}

	colIndex := make(map[string]int, len(columns))
	for i, c := range columns {
		colIndex[strings.ToLower(c)] = i
	}

	filtered := rows
	if q.Where != nil {
		var matched [][]interface{}
		for _, row := range rows {
			match, err := evalExpr(q.Where, row, colIndex)
			if err != nil {
				return nil, err
			}
			if match {
				matched = append(matched, row)
			}
		}
		filtered = matched
	}

	if q.HasOrder {
		idx, ok := colIndex[strings.ToLower(q.OrderBy)]
		if !ok {
			return nil, dbgerr.New(dbgerr.UnknownColumn, fmt.Sprintf("unknown column %q", q.OrderBy))
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			c := compareValues(filtered[i][idx], filtered[j][idx])
			if q.OrderDesc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.HasLimit && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}

	outColumns, outRows := columns, filtered
	if len(q.Columns) > 0 {
		idxs := make([]int, len(q.Columns))
		for i, c := range q.Columns {
			idx, ok := colIndex[strings.ToLower(c)]
			if !ok {
				return nil, dbgerr.New(dbgerr.UnknownColumn, fmt.Sprintf("unknown column %q", c))
			}
			idxs[i] = idx
		}
		outColumns = q.Columns
		outRows = make([][]interface{}, len(filtered))
		for i, row := range filtered {
			projected := make([]interface{}, len(idxs))
			for j, idx := range idxs {
				projected[j] = row[idx]
			}
			outRows[i] = projected
		}
	}

	return &Result{Columns: outColumns, Rows: outRows, JSON: q.JSON}, nil
}

func evalExpr(e Expr, row []interface{}, colIndex map[string]int) (bool, error) {
	switch n := e.(type) {
	case Comparison:
		idx, ok := colIndex[strings.ToLower(n.Column)]
		if !ok {
			return false, dbgerr.New(dbgerr.UnknownColumn, fmt.Sprintf("unknown column %q", n.Column))
		}
		return evalComparison(row[idx], n.Op, n.Literal)
	case Binary:
		left, err := evalExpr(n.Left, row, colIndex)
		if err != nil {
			return false, err
		}
		if n.Op == "AND" {
			if !left {
				return false, nil
			}
			return evalExpr(n.Right, row, colIndex)
		}
		if left {
			return true, nil
		}
		return evalExpr(n.Right, row, colIndex)
	default:
		return false, fmt.Errorf("query: unknown expression node %T", e)
	}
}

func evalComparison(value interface{}, op string, lit Literal) (bool, error) {
	if op == "LIKE" {
		re, err := likeToRegexp(lit.Str)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", value)), nil
	}

	var litValue interface{} = lit.Num
	if lit.IsString {
		litValue = lit.Str
	}
	c := compareValues(value, litValue)
	switch op {
	case "=":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	case ">=":
		return c >= 0, nil
	default:
		return false, fmt.Errorf("query: unsupported operator %q", op)
	}
}

// compareValues orders a and b numerically if both parse as numbers,
// otherwise lexicographically, per the WHERE/ORDER BY comparison rule.
func compareValues(a, b interface{}) int {
	an, aIsNum, aStr := numericOrString(a)
	bn, bIsNum, bStr := numericOrString(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	if aIsNum {
		aStr = strconv.FormatFloat(an, 'g', -1, 64)
	}
	if bIsNum {
		bStr = strconv.FormatFloat(bn, 'g', -1, 64)
	}
	return strings.Compare(aStr, bStr)
}

func numericOrString(v interface{}) (num float64, isNum bool, str string) {
	switch t := v.(type) {
	case nil:
		return 0, false, ""
	case float64:
		return t, true, ""
	case float32:
		return float64(t), true, ""
	case int:
		return float64(t), true, ""
	case int64:
		return float64(t), true, ""
	case bool:
		return 0, false, fmt.Sprintf("%v", t)
	case string:
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return n, true, t
		}
		return 0, false, t
	default:
		return 0, false, fmt.Sprintf("%v", t)
	}
}

// likeToRegexp translates a LIKE pattern into an anchored regexp: '%' becomes
// '.*', every other character is escaped so it matches literally.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '%' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.ParseError, "compile LIKE pattern", err)
	}
	return re, nil
}

func firstMissingFilter(where Expr, required []string) string {
	if len(required) == 0 {
		return ""
	}
	present := collectFilterColumns(where, map[string]bool{})
	for _, r := range required {
		if !present[strings.ToLower(r)] {
			return r
		}
	}
	return ""
}

func collectFilterColumns(e Expr, acc map[string]bool) map[string]bool {
	switch n := e.(type) {
	case Comparison:
		if n.Op == "=" || n.Op == "LIKE" {
			acc[strings.ToLower(n.Column)] = true
		}
	case Binary:
		collectFilterColumns(n.Left, acc)
		collectFilterColumns(n.Right, acc)
	}
	return acc
}
