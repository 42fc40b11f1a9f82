// Package query implements the SQL-subset parser and in-memory execution
// engine used by the `q` command (spec §4.7): lex → parse → look up the
// named virtual table in a Registry → validate required filters → fetch →
// apply WHERE/ORDER BY/LIMIT/projection → render as TSV or JSON.
package query
