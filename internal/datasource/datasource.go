// Package datasource provides read-only tabular data for private query
// execution: an in-memory table decoded from CSV and a DuckDB-backed table
// that can also compute exact aggregates itself.
package datasource

import (
	"context"
	"strings"

	"duckdp/internal/domain"
)

// Column is one column of values. Values hold int64, float64, bool, string
// or nil (NULL), matching the declared Type.
type Column struct {
	Name   string
	Type   domain.ColumnType
	Values []any
}

// DataSource is a borrowed, read-only handle on one table's rows.
type DataSource interface {
	Name() string
	RowCount() int
	Columns() []string
	// Column returns a column by case-insensitive name, or UnknownColumnError.
	Column(name string) (*Column, error)
}

// Aggregator is implemented by sources that can evaluate the planner's
// exact-aggregate SQL themselves. Aggregate returns the result rows with
// values typed as in Column.
type Aggregator interface {
	Relation() string
	Aggregate(ctx context.Context, query string) ([][]any, error)
}

// Scan calls fn once per row, in row order, with the values of every column
// in Columns() order. The slice passed to fn is reused between calls.
func Scan(ctx context.Context, ds DataSource, fn func(row []any) error) error {
	names := ds.Columns()
	cols := make([]*Column, len(names))
	for i, name := range names {
		c, err := ds.Column(name)
		if err != nil {
			return err
		}
		cols[i] = c
	}

	row := make([]any, len(cols))
	for r := 0; r < ds.RowCount(); r++ {
		if r%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for i, c := range cols {
			row[i] = c.Values[r]
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// MemTable is an immutable in-memory table.
type MemTable struct {
	name  string
	rows  int
	cols  []*Column
	index map[string]int
}

var _ DataSource = (*MemTable)(nil)

// NewMemTable builds a table from columns of equal length.
func NewMemTable(name string, cols ...*Column) (*MemTable, error) {
	t := &MemTable{name: name, cols: cols, index: make(map[string]int, len(cols))}
	for i, c := range cols {
		key := strings.ToLower(c.Name)
		if _, dup := t.index[key]; dup {
			return nil, domain.ErrSchema("table %s: duplicate column %q", name, c.Name)
		}
		t.index[key] = i
		if i == 0 {
			t.rows = len(c.Values)
		} else if len(c.Values) != t.rows {
			return nil, domain.ErrSchema("table %s: column %q has %d values, expected %d", name, c.Name, len(c.Values), t.rows)
		}
	}
	return t, nil
}

// Name returns the table name.
func (t *MemTable) Name() string { return t.name }

// RowCount returns the number of rows.
func (t *MemTable) RowCount() int { return t.rows }

// Columns returns the column names in order.
func (t *MemTable) Columns() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by case-insensitive name.
func (t *MemTable) Column(name string) (*Column, error) {
	i, ok := t.index[strings.ToLower(name)]
	if !ok {
		return nil, &domain.UnknownColumnError{Table: t.name, Column: name}
	}
	return t.cols[i], nil
}
