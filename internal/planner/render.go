package planner

import (
	"strconv"
	"strings"

	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/sqlparse"
)

// RowCountColumn is the alias of the true per-group row count in rendered SQL.
const RowCountColumn = "__rows"

// RenderSQL renders the exact-aggregate query for the plan against a
// relation. Result columns are the group keys in GROUP BY order, then the
// true row count, then one column per measurement in plan order. Values fed
// to SUM, MIN and MAX are clamped into the column bounds, and those results
// are cast to DOUBLE.
func RenderSQL(p *AggregationPlan, relation string) string {
	var b strings.Builder
	b.WriteString("SELECT ")

	var items []string
	for _, col := range p.GroupBy {
		items = append(items, sqlparse.QuoteIdent(col.Name))
	}
	items = append(items, "COUNT(*) AS "+sqlparse.QuoteIdent(RowCountColumn))
	for i, m := range p.Measurements {
		items = append(items, measurementSQL(m)+" AS "+sqlparse.QuoteIdent("m"+strconv.Itoa(i)))
	}
	b.WriteString(strings.Join(items, ", "))

	b.WriteString(" FROM ")
	b.WriteString(sqlparse.QuoteIdent(relation))

	if n := len(p.GroupBy); n > 0 {
		keys := make([]string, n)
		pos := make([]string, n)
		for i, col := range p.GroupBy {
			keys[i] = sqlparse.QuoteIdent(col.Name)
			pos[i] = strconv.Itoa(i + 1)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(keys, ", "))
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(pos, ", "))
	}
	return b.String()
}

func measurementSQL(m Measurement) string {
	if m.Func == domain.AggCount {
		if m.Column == nil {
			return "COUNT(*)"
		}
		return "COUNT(" + sqlparse.QuoteIdent(m.Column.Name) + ")"
	}
	return "CAST(" + m.Func.String() + "(" + clampSQL(m.Column) + ") AS DOUBLE)"
}

func clampSQL(col *metadata.Column) string {
	return "LEAST(GREATEST(" + sqlparse.QuoteIdent(col.Name) + ", " + number(*col.Lower) + "), " + number(*col.Upper) + ")"
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
