package sqlparse

import (
	"strconv"
	"strings"
)

// Format renders a statement back to canonical SQL. The output is flat,
// keywords are upper-case and identifiers are always double-quoted, so
// Format(Parse(Format(s))) == Format(s).
func Format(stmt *SelectStmt) string {
	f := &formatter{}
	f.formatSelect(stmt)
	return strings.TrimSpace(f.buf.String())
}

// FormatExpr renders an expression back to SQL.
func FormatExpr(expr Expr) string {
	f := &formatter{}
	f.formatExpr(expr)
	return strings.TrimSpace(f.buf.String())
}

type formatter struct {
	buf strings.Builder
}

func (f *formatter) write(s string) {
	f.buf.WriteString(s)
}

func (f *formatter) space() {
	f.buf.WriteByte(' ')
}

// QuoteIdent unconditionally double-quotes an identifier.
// Internal double quotes are escaped by doubling.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString single-quotes a string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (f *formatter) writeIdent(s string) {
	f.write(QuoteIdent(s))
}

// writeDotted quotes each part of a dotted name separately.
func (f *formatter) writeDotted(name string) {
	for i, part := range strings.Split(name, ".") {
		if i > 0 {
			f.write(".")
		}
		f.writeIdent(part)
	}
}

func (f *formatter) commaSep(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		if i > 0 {
			f.write(", ")
		}
		fn(i)
	}
}

func (f *formatter) formatSelect(s *SelectStmt) {
	if s == nil {
		return
	}
	f.write("SELECT")
	if s.Distinct {
		f.write(" DISTINCT")
	}
	f.space()
	f.commaSep(len(s.Columns), func(i int) {
		item := s.Columns[i]
		if item.Star {
			f.write("*")
			return
		}
		f.formatExpr(item.Expr)
		if item.Alias != "" {
			f.write(" AS ")
			f.writeIdent(item.Alias)
		}
	})

	if s.From != nil {
		f.write(" FROM ")
		if s.From.Schema != "" {
			f.writeIdent(s.From.Schema)
			f.write(".")
		}
		f.writeIdent(s.From.Name)
		if s.From.Alias != "" {
			f.write(" AS ")
			f.writeIdent(s.From.Alias)
		}
	}

	if len(s.GroupBy) > 0 {
		f.write(" GROUP BY ")
		f.commaSep(len(s.GroupBy), func(i int) { f.formatExpr(s.GroupBy[i]) })
	}

	if len(s.OrderBy) > 0 {
		f.write(" ORDER BY ")
		f.commaSep(len(s.OrderBy), func(i int) {
			f.formatExpr(s.OrderBy[i].Expr)
			if s.OrderBy[i].Desc {
				f.write(" DESC")
			}
		})
	}

	if s.Limit != nil {
		f.write(" LIMIT ")
		f.write(strconv.FormatInt(*s.Limit, 10))
	}
}

func (f *formatter) formatExpr(e Expr) {
	switch e := e.(type) {
	case nil:
		return
	case *ColumnRef:
		if e.Table != "" {
			f.writeDotted(e.Table)
			f.write(".")
		}
		f.writeIdent(e.Column)
	case *FuncCall:
		f.write(strings.ToUpper(e.Name))
		f.write("(")
		if e.Distinct {
			f.write("DISTINCT ")
		}
		if e.Star {
			f.write("*")
		} else {
			f.commaSep(len(e.Args), func(i int) { f.formatExpr(e.Args[i]) })
		}
		f.write(")")
	case *Literal:
		switch e.Type {
		case LiteralString:
			f.write(QuoteString(e.Value))
		default:
			f.write(e.Value)
		}
	case *BinaryExpr:
		f.formatExpr(e.Left)
		f.space()
		f.write(e.Op.String())
		f.space()
		f.formatExpr(e.Right)
	case *UnaryExpr:
		f.write(e.Op.String())
		// "- -x" must not collapse into a "--" comment.
		if _, nested := e.Expr.(*UnaryExpr); e.Op == TOKEN_NOT || nested {
			f.space()
		}
		f.formatExpr(e.Expr)
	case *ParenExpr:
		f.write("(")
		f.formatExpr(e.Expr)
		f.write(")")
	}
}
