package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render formats r as TSV (default) or JSON, depending on whether the query
// carried a trailing `\j` sentinel.
func (r *Result) Render() (string, error) {
	if r.JSON {
		return r.renderJSON()
	}
	return r.renderTSV(), nil
}

func (r *Result) renderTSV() string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))
	b.WriteString("\n")
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Result) renderJSON() (string, error) {
	out := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		obj := make(map[string]interface{}, len(r.Columns))
		for j, col := range r.Columns {
			if j < len(row) {
				obj[col] = row[j]
			}
		}
		out[i] = obj
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("query: render JSON: %w", err)
	}
	return string(data), nil
}
