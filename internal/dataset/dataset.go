// Package dataset holds the tabular result of one source query and the pure
// transforms the engine applies to it before writing.
//
// Values inside a ResultSet are restricted to int64, float64, string,
// time.Time and nil. Readers are responsible for normalizing driver values
// into that set; everything downstream (cleaning, DDL inference, batched
// inserts) relies on it.
package dataset

import (
	"fmt"
	"strings"
)

// Column describes one result column.
type Column struct {
	Name string
	Kind Kind
	// DatabaseType is the driver-reported type name (e.g. "NVARCHAR"), kept for logs.
	DatabaseType string
}

// ResultSet is an ordered set of columns plus rows aligned to them.
//
// Invariant: every row has exactly len(Columns) values, in column order.
type ResultSet struct {
	Columns []Column
	Rows    [][]any
}

// NewResultSet validates column names and row widths.
//
// Errors:
//   - a column name is empty or appears twice (case-insensitive, matching SQL Server)
//   - a row does not have exactly len(columns) values
func NewResultSet(columns []Column, rows [][]any) (*ResultSet, error) {
	seen := make(map[string]struct{}, len(columns))
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("dataset: column %d has no name", i)
		}
		k := strings.ToLower(c.Name)
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("dataset: duplicate column %q", c.Name)
		}
		seen[k] = struct{}{}
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("dataset: row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	return &ResultSet{Columns: columns, Rows: rows}, nil
}

// Len returns the number of rows; a nil ResultSet has none.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// ColumnNames returns the column names in order.
func (rs *ResultSet) ColumnNames() []string {
	out := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		out[i] = c.Name
	}
	return out
}

// Chunks splits rows into consecutive slices of at most size rows.
// The slices share backing arrays with rs.Rows.
func Chunks(rows [][]any, size int) [][][]any {
	if size <= 0 {
		size = 1
	}
	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
