// Package planner binds parsed queries against the schema catalog and turns
// them into privacy-aware aggregation plans.
package planner

import (
	"fmt"
	"strings"

	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/sqlparse"
)

// OutputKind distinguishes group keys from aggregates in the select list.
type OutputKind int

// OutputKey and OutputAggregate are the two kinds of select items.
const (
	OutputKey OutputKind = iota
	OutputAggregate
)

// Output is one bound select item.
type Output struct {
	Name   string
	Kind   OutputKind
	Column *metadata.Column     // nil for COUNT(*)
	Func   domain.AggregateFunc // aggregates only
	Key    int                  // index into Query.GroupBy, keys only
	Expr   string               // canonical SQL of the select expression
}

// OrderKey orders results by one output column.
type OrderKey struct {
	Output int
	Desc   bool
}

// Query is a parsed statement whose identifiers have been resolved.
type Query struct {
	SQL     string
	Stmt    *sqlparse.SelectStmt
	Table   *metadata.Table
	Outputs []Output
	GroupBy []*metadata.Column
	OrderBy []OrderKey
	Limit   *int64
}

// Aggregates returns the aggregate outputs in select-list order.
func (q *Query) Aggregates() []Output {
	var out []Output
	for _, o := range q.Outputs {
		if o.Kind == OutputAggregate {
			out = append(out, o)
		}
	}
	return out
}

// Parse parses sqlText and binds it against the catalog.
//
// Fails with UnsupportedQueryError outside the dialect, UnknownColumnError
// for identifiers that do not resolve, and GroupByMismatchError when a
// selected plain column is missing from GROUP BY.
func Parse(sqlText string, cat *metadata.Catalog) (*Query, error) {
	stmt, err := sqlparse.Parse(sqlText)
	if err != nil {
		return nil, err
	}
	return Bind(stmt, cat, sqlText)
}

// Bind resolves a parsed statement against the catalog.
func Bind(stmt *sqlparse.SelectStmt, cat *metadata.Catalog, sqlText string) (*Query, error) {
	if stmt.Distinct {
		return nil, domain.ErrUnsupported("SELECT DISTINCT is not supported")
	}

	table, err := cat.Table(stmt.From.Qualified())
	if err != nil {
		return nil, err
	}

	b := &binder{table: table, alias: stmt.From.Alias, query: &Query{
		SQL:   sqlText,
		Stmt:  stmt,
		Table: table,
		Limit: stmt.Limit,
	}}
	if err := b.bindGroupBy(stmt.GroupBy); err != nil {
		return nil, err
	}
	if err := b.bindSelect(stmt.Columns); err != nil {
		return nil, err
	}
	if err := b.bindOrderBy(stmt.OrderBy); err != nil {
		return nil, err
	}
	return b.query, nil
}

type binder struct {
	table *metadata.Table
	alias string
	query *Query
}

// resolve finds the column a reference points to. A qualifier must name
// the FROM table by alias, bare name or qualified name.
func (b *binder) resolve(ref *sqlparse.ColumnRef) (*metadata.Column, error) {
	if ref.Table != "" && !b.qualifierMatches(ref.Table) {
		return nil, &domain.UnknownColumnError{Table: ref.Table, Column: ref.Column}
	}
	col, ok := b.table.Column(ref.Column)
	if !ok {
		return nil, &domain.UnknownColumnError{Table: b.table.QualifiedName(), Column: ref.Column}
	}
	return col, nil
}

func (b *binder) qualifierMatches(q string) bool {
	if b.alias != "" {
		return strings.EqualFold(q, b.alias)
	}
	return strings.EqualFold(q, b.table.Name) || strings.EqualFold(q, b.table.QualifiedName())
}

func (b *binder) bindGroupBy(exprs []sqlparse.Expr) error {
	for _, e := range exprs {
		ref, ok := unparen(e).(*sqlparse.ColumnRef)
		if !ok {
			return domain.ErrUnsupported("GROUP BY supports plain columns only, got %s", sqlparse.FormatExpr(e))
		}
		col, err := b.resolve(ref)
		if err != nil {
			return err
		}
		switch {
		case col.PrivateID:
			return domain.ErrUnsupported("cannot group by private identifier column %q", col.Name)
		case col.Type.Kind() == domain.KindText:
			return domain.ErrUnsupported("cannot group by text column %q", col.Name)
		}
		if b.groupIndex(col) >= 0 {
			return domain.ErrUnsupported("duplicate GROUP BY column %q", col.Name)
		}
		b.query.GroupBy = append(b.query.GroupBy, col)
	}
	return nil
}

func (b *binder) groupIndex(col *metadata.Column) int {
	for i, g := range b.query.GroupBy {
		if g == col {
			return i
		}
	}
	return -1
}

func (b *binder) bindSelect(items []sqlparse.SelectItem) error {
	seen := make(map[string]bool, len(items))
	aggregates := 0
	for _, item := range items {
		if item.Star {
			return domain.ErrUnsupported("SELECT * is not supported; list group columns and aggregates explicitly")
		}
		out, err := b.bindItem(item.Expr)
		if err != nil {
			return err
		}
		if item.Alias != "" {
			out.Name = item.Alias
		}
		key := strings.ToLower(out.Name)
		if seen[key] {
			return domain.ErrUnsupported("duplicate output column %q; use AS to rename", out.Name)
		}
		seen[key] = true
		if out.Kind == OutputAggregate {
			aggregates++
		}
		b.query.Outputs = append(b.query.Outputs, out)
	}
	if aggregates == 0 {
		return domain.ErrUnsupported("query must select at least one aggregate")
	}
	return nil
}

func (b *binder) bindItem(e sqlparse.Expr) (Output, error) {
	switch x := unparen(e).(type) {
	case *sqlparse.ColumnRef:
		col, err := b.resolve(x)
		if err != nil {
			return Output{}, err
		}
		idx := b.groupIndex(col)
		if idx < 0 {
			return Output{}, &domain.GroupByMismatchError{Column: col.Name}
		}
		return Output{Name: col.Name, Kind: OutputKey, Column: col, Key: idx, Expr: sqlparse.FormatExpr(x)}, nil

	case *sqlparse.FuncCall:
		return b.bindAggregate(x)

	default:
		return Output{}, domain.ErrUnsupported("expression %s is not supported in the select list", sqlparse.FormatExpr(e))
	}
}

func (b *binder) bindAggregate(fn *sqlparse.FuncCall) (Output, error) {
	agg, ok := domain.ParseAggregateFunc(fn.Name)
	if !ok {
		return Output{}, domain.ErrUnsupported("function %s is not supported; use COUNT, SUM, AVG, MIN or MAX", strings.ToUpper(fn.Name))
	}
	if fn.Distinct {
		return Output{}, domain.ErrUnsupported("%s(DISTINCT ...) is not supported", agg)
	}

	out := Output{Kind: OutputAggregate, Func: agg, Expr: sqlparse.FormatExpr(fn)}
	if fn.Star {
		if agg != domain.AggCount {
			return Output{}, domain.ErrUnsupported("%s(*) is not supported", agg)
		}
		out.Name = "count"
		return out, nil
	}
	if len(fn.Args) != 1 {
		return Output{}, domain.ErrUnsupported("%s takes exactly one argument, got %d", agg, len(fn.Args))
	}
	ref, ok := unparen(fn.Args[0]).(*sqlparse.ColumnRef)
	if !ok {
		return Output{}, domain.ErrUnsupported("%s argument must be a column, got %s", agg, sqlparse.FormatExpr(fn.Args[0]))
	}
	col, err := b.resolve(ref)
	if err != nil {
		return Output{}, err
	}
	if col.PrivateID {
		return Output{}, domain.ErrUnsupported("cannot aggregate private identifier column %q", col.Name)
	}
	if agg != domain.AggCount && !col.Type.IsNumeric() {
		return Output{}, domain.ErrUnsupported("%s requires a numeric column, %q is %s", agg, col.Name, col.Type)
	}

	out.Column = col
	out.Name = fmt.Sprintf("%s_%s", strings.ToLower(agg.String()), col.Name)
	return out, nil
}

// bindOrderBy resolves ORDER BY keys to output columns, by output name or
// by repeating a select expression.
func (b *binder) bindOrderBy(items []sqlparse.OrderByItem) error {
	for _, item := range items {
		idx := b.outputFor(item.Expr)
		if idx < 0 {
			if ref, ok := unparen(item.Expr).(*sqlparse.ColumnRef); ok {
				return &domain.UnknownColumnError{Table: b.table.QualifiedName(), Column: ref.Column}
			}
			return domain.ErrUnsupported("ORDER BY %s does not match any selected column", sqlparse.FormatExpr(item.Expr))
		}
		b.query.OrderBy = append(b.query.OrderBy, OrderKey{Output: idx, Desc: item.Desc})
	}
	return nil
}

func (b *binder) outputFor(e sqlparse.Expr) int {
	e = unparen(e)
	if ref, ok := e.(*sqlparse.ColumnRef); ok && ref.Table == "" {
		for i, o := range b.query.Outputs {
			if strings.EqualFold(o.Name, ref.Column) {
				return i
			}
		}
	}
	if ref, ok := e.(*sqlparse.ColumnRef); ok {
		col, err := b.resolve(ref)
		if err != nil {
			return -1
		}
		for i, o := range b.query.Outputs {
			if o.Kind == OutputKey && o.Column == col {
				return i
			}
		}
		return -1
	}
	text := sqlparse.FormatExpr(e)
	for i, o := range b.query.Outputs {
		if o.Expr == text {
			return i
		}
	}
	return -1
}

func unparen(e sqlparse.Expr) sqlparse.Expr {
	for {
		p, ok := e.(*sqlparse.ParenExpr)
		if !ok {
			return e
		}
		e = p.Expr
	}
}
