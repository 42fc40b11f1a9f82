package query

import (
	"context"
	"strings"
)

// Table is a virtual table the query engine can SELECT from (spec §4.8).
// internal/vtable registers concrete implementations of this interface.
type Table interface {
	// Name is the table's identifier as it appears in FROM.
	Name() string
	// RequiredFilters lists columns that must appear as a top-level or
	// subordinate '=' or LIKE comparison in WHERE.
	RequiredFilters() []string
	// Fetch returns the table's columns and raw rows. Implementations may
	// use where to narrow a protocol request (e.g. object_id) but are not
	// required to fully evaluate it — the engine re-applies WHERE over
	// whatever rows come back.
	Fetch(ctx context.Context, where Expr) (columns []string, rows [][]interface{}, err error)
}

// Registry maps table names (case-insensitive) to their Table.
type Registry struct {
	tables map[string]Table
}

// NewRegistry builds an empty table registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]Table)}
}

// Register adds (or replaces) a table.
func (r *Registry) Register(t Table) {
	r.tables[strings.ToLower(t.Name())] = t
}

func (r *Registry) lookup(name string) (Table, bool) {
	t, ok := r.tables[strings.ToLower(name)]
	return t, ok
}
