package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/sqlparse"
)

// DuckDBTable is a table loaded into an embedded DuckDB database. Columns
// are materialised on first access; exact aggregates can be pushed down.
type DuckDBTable struct {
	db       *sql.DB
	meta     *metadata.Table
	relation string
	rows     int

	mu   sync.Mutex
	cols map[string]*Column
}

var (
	_ DataSource = (*DuckDBTable)(nil)
	_ Aggregator = (*DuckDBTable)(nil)
)

// LoadDuckDB creates a DuckDB table from a local CSV file with a header row,
// keeping only the declared columns with their declared types. The db must
// be opened with the duckdb driver.
//
// Fails with SchemaError when the file does not match the metadata,
// including NULLs in columns declared non-nullable.
func LoadDuckDB(ctx context.Context, db *sql.DB, path string, table *metadata.Table) (*DuckDBTable, error) {
	t := &DuckDBTable{
		db:       db,
		meta:     table,
		relation: relationName(table),
		cols:     make(map[string]*Column),
	}

	selects := make([]string, len(table.Columns))
	types := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		selects[i] = sqlparse.QuoteIdent(c.Name)
		typ := duckDBType(c.Type)
		if c.Type == domain.TypeBoolean {
			// DuckDB's BOOLEAN cast rejects yes/no; map the words ourselves.
			selects[i] = boolSQL(c.Name)
			typ = "VARCHAR"
		}
		types[i] = sqlparse.QuoteString(c.Name) + ": " + sqlparse.QuoteString(typ)
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT %s FROM read_csv_auto(%s, header = true, types = {%s})",
		sqlparse.QuoteIdent(t.relation),
		strings.Join(selects, ", "),
		sqlparse.QuoteString(path),
		strings.Join(types, ", "),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return nil, domain.ErrSchema("load %s into DuckDB: %v", table.QualifiedName(), err)
	}

	for _, c := range table.Columns {
		if c.Nullable {
			continue
		}
		var nulls int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", sqlparse.QuoteIdent(t.relation), sqlparse.QuoteIdent(c.Name))
		if err := db.QueryRowContext(ctx, q).Scan(&nulls); err != nil {
			return nil, fmt.Errorf("check nulls in %s: %w", c.Name, err)
		}
		if nulls > 0 {
			return nil, domain.ErrSchema("%s: column %q is not nullable but has %d NULL values", table.QualifiedName(), c.Name, nulls)
		}
	}

	for _, c := range table.Columns {
		if c.Type != domain.TypeFloat {
			continue
		}
		var bad int64
		col := sqlparse.QuoteIdent(c.Name)
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE isnan(%s) OR isinf(%s)", sqlparse.QuoteIdent(t.relation), col, col)
		if err := db.QueryRowContext(ctx, q).Scan(&bad); err != nil {
			return nil, fmt.Errorf("check finite values in %s: %w", c.Name, err)
		}
		if bad > 0 {
			return nil, domain.ErrSchema("%s: column %q has %d non-finite values", table.QualifiedName(), c.Name, bad)
		}
	}

	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlparse.QuoteIdent(t.relation)).Scan(&n); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	t.rows = int(n)
	return t, nil
}

// relationName derives the DuckDB table name, e.g. "PUMS_PUMS".
func relationName(t *metadata.Table) string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "_" + t.Name
}

// boolSQL converts a VARCHAR column to BOOLEAN using the spellings ReadCSV
// accepts. Blank values become NULL; anything else aborts the load.
func boolSQL(name string) string {
	col := sqlparse.QuoteIdent(name)
	v := fmt.Sprintf("lower(trim(%s))", col)
	return fmt.Sprintf("CASE WHEN %s IS NULL OR %s = '' THEN NULL WHEN %s IN (%s) THEN TRUE WHEN %s IN (%s) THEN FALSE "+
		"ELSE error('cannot parse ' || %s || ' as boolean') END AS %s",
		col, v, v, sqlList(trueWords), v, sqlList(falseWords), col, col)
}

func sqlList(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = sqlparse.QuoteString(w)
	}
	return strings.Join(quoted, ", ")
}

func duckDBType(t domain.ColumnType) string {
	switch t {
	case domain.TypeInt:
		return "BIGINT"
	case domain.TypeFloat:
		return "DOUBLE"
	case domain.TypeBoolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// Name returns the qualified metadata name of the table.
func (t *DuckDBTable) Name() string { return t.meta.QualifiedName() }

// Relation returns the DuckDB table name.
func (t *DuckDBTable) Relation() string { return t.relation }

// RowCount returns the number of loaded rows.
func (t *DuckDBTable) RowCount() int { return t.rows }

// Columns returns the declared column names in order.
func (t *DuckDBTable) Columns() []string { return t.meta.ColumnNames() }

// Column reads a column out of DuckDB in row order. The result is cached.
func (t *DuckDBTable) Column(name string) (*Column, error) {
	meta, ok := t.meta.Column(name)
	if !ok {
		return nil, &domain.UnknownColumnError{Table: t.Name(), Column: name}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cols[meta.Name]; ok {
		return c, nil
	}

	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", sqlparse.QuoteIdent(meta.Name), sqlparse.QuoteIdent(t.relation))
	rows, err := t.db.QueryContext(context.Background(), q)
	if err != nil {
		return nil, fmt.Errorf("read column %s: %w", meta.Name, err)
	}
	defer rows.Close() //nolint:errcheck

	c := &Column{Name: meta.Name, Type: meta.Type, Values: make([]any, 0, t.rows)}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan column %s: %w", meta.Name, err)
		}
		c.Values = append(c.Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read column %s: %w", meta.Name, err)
	}
	t.cols[meta.Name] = c
	return c, nil
}

// Aggregate runs an exact-aggregate query and returns all result rows.
func (t *DuckDBTable) Aggregate(ctx context.Context, query string) ([][]any, error) {
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute aggregate: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read aggregate rows: %w", err)
	}
	return out, nil
}
