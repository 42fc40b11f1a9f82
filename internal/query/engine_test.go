package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcli/dbgd/internal/dbgerr"
)

// fakeTable is an in-memory Table used to drive the engine without a real
// CDP/DAP executor behind it.
type fakeTable struct {
	name     string
	required []string
	columns  []string
	rows     [][]interface{}
}

func (f *fakeTable) Name() string              { return f.name }
func (f *fakeTable) RequiredFilters() []string { return f.required }
func (f *fakeTable) Fetch(ctx context.Context, where Expr) ([]string, [][]interface{}, error) {
	return f.columns, f.rows, nil
}

func framesTable() *fakeTable {
	return &fakeTable{
		name:    "frames",
		columns: []string{"index", "function_name", "url", "line"},
		rows: [][]interface{}{
			{0, "onClick", "/app/main.js", 42},
			{1, "dispatch", "/app/main.js", 10},
			{2, "(anonymous)", "/app/vendor.js", 7},
		},
	}
}

func TestRunUnknownTable(t *testing.T) {
	reg := NewRegistry()
	_, err := Execute(context.Background(), "SELECT * FROM nope", reg)
	require.Error(t, err)
	var derr *dbgerr.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dbgerr.UnknownTable, derr.Code)
}

func TestRunMissingRequiredFilter(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTable{name: "props", required: []string{"object_id"}, columns: []string{"name", "value"}})
	_, err := Execute(context.Background(), "SELECT * FROM props", reg)
	require.Error(t, err)
	var derr *dbgerr.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dbgerr.MissingRequiredFilter, derr.Code)
}

func TestRunRequiredFilterSatisfiedByLike(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTable{
		name:     "scripts",
		required: []string{"url"},
		columns:  []string{"url"},
		rows:     [][]interface{}{{"/app/main.js"}},
	})
	res, err := Execute(context.Background(), "SELECT * FROM scripts WHERE url LIKE '%main%'", reg)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestRunFiltersWhereNumeric(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT * FROM frames WHERE line > 10", reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "/app/main.js", res.Rows[0][2])
}

func TestRunAndOrPrecedence(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT * FROM frames WHERE url = '/app/vendor.js' OR function_name = 'onClick' AND line > 40", reg)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
}

func TestRunOrderByDescNumeric(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT * FROM frames ORDER BY line DESC", reg)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 42, res.Rows[0][3])
	assert.Equal(t, 7, res.Rows[2][3])
}

func TestRunOrderByLexicographic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT * FROM frames ORDER BY function_name ASC", reg)
	require.NoError(t, err)
	assert.Equal(t, "(anonymous)", res.Rows[0][1])
}

func TestRunLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT * FROM frames LIMIT 2", reg)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
}

func TestRunProjectionReindexesColumns(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	res, err := Execute(context.Background(), "SELECT function_name, line FROM frames WHERE index = 0", reg)
	require.NoError(t, err)
	require.Equal(t, []string{"function_name", "line"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "onClick", res.Rows[0][0])
	assert.Equal(t, 42, res.Rows[0][1])
}

func TestRunProjectionUnknownColumn(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	_, err := Execute(context.Background(), "SELECT bogus FROM frames", reg)
	require.Error(t, err)
	var derr *dbgerr.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dbgerr.UnknownColumn, derr.Code)
}

func TestRunOrderByUnknownColumn(t *testing.T) {
	reg := NewRegistry()
	reg.Register(framesTable())
	_, err := Execute(context.Background(), "SELECT * FROM frames ORDER BY bogus", reg)
	require.Error(t, err)
	var derr *dbgerr.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dbgerr.UnknownColumn, derr.Code)
}

func TestRenderTSV(t *testing.T) {
	res := &Result{Columns: []string{"a", "b"}, Rows: [][]interface{}{{1, "x"}}}
	out, err := res.Render()
	require.NoError(t, err)
	assert.Equal(t, "a\tb\n1\tx\n", out)
}

func TestRenderJSON(t *testing.T) {
	res := &Result{Columns: []string{"a", "b"}, Rows: [][]interface{}{{1, "x"}}, JSON: true}
	out, err := res.Render()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":1,"b":"x"}]`, out)
}

func TestLikeToRegexpEscapesMetacharacters(t *testing.T) {
	re, err := likeToRegexp("/app/(main).js")
	require.NoError(t, err)
	assert.True(t, re.MatchString("/app/(main).js"))
	assert.False(t, re.MatchString("/app/Xmain).js"))
}

func TestLikeToRegexpWildcard(t *testing.T) {
	re, err := likeToRegexp("%vendor%")
	require.NoError(t, err)
	assert.True(t, re.MatchString("/app/vendor.js"))
	assert.False(t, re.MatchString("/app/main.js"))
}
