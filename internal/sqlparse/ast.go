package sqlparse

// Node is the base interface for all AST nodes.
type Node interface {
	node()
}

// Expr is a marker interface for expression nodes.
type Expr interface {
	Node
	exprNode()
}

// SelectStmt is the only statement the dialect accepts.
type SelectStmt struct {
	Distinct bool
	Columns  []SelectItem
	From     *TableName
	GroupBy  []Expr
	OrderBy  []OrderByItem
	Limit    *int64
}

func (*SelectStmt) node() {}

// SelectItem is one entry of the select list.
type SelectItem struct {
	Expr  Expr
	Star  bool // bare SELECT *
	Alias string
}

// TableName is the single FROM source.
type TableName struct {
	Schema string
	Name   string
	Alias  string
}

func (*TableName) node() {}

// Qualified returns "schema.name" or just the name.
func (t *TableName) Qualified() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// OrderByItem is one ORDER BY key.
type OrderByItem struct {
	Expr Expr
	Desc bool
}

// ColumnRef references a column, optionally qualified by a table name or alias.
type ColumnRef struct {
	Table  string
	Column string
}

func (*ColumnRef) node()     {}
func (*ColumnRef) exprNode() {}

// FuncCall is a function call. Star is set for COUNT(*).
type FuncCall struct {
	Name     string
	Args     []Expr
	Star     bool
	Distinct bool
}

func (*FuncCall) node()     {}
func (*FuncCall) exprNode() {}

// LiteralType classifies a Literal.
type LiteralType int

// LiteralNumber and friends enumerate literal kinds.
const (
	LiteralNumber LiteralType = iota
	LiteralString
	LiteralBool
	LiteralNull
)

// Literal is a constant value kept in its source spelling.
type Literal struct {
	Type  LiteralType
	Value string
}

func (*Literal) node()     {}
func (*Literal) exprNode() {}

// BinaryExpr is a binary operator application.
type BinaryExpr struct {
	Left  Expr
	Op    TokenType
	Right Expr
}

func (*BinaryExpr) node()     {}
func (*BinaryExpr) exprNode() {}

// UnaryExpr is a prefix operator application (-x, +x, NOT x).
type UnaryExpr struct {
	Op   TokenType
	Expr Expr
}

func (*UnaryExpr) node()     {}
func (*UnaryExpr) exprNode() {}

// ParenExpr is a parenthesized expression.
type ParenExpr struct {
	Expr Expr
}

func (*ParenExpr) node()     {}
func (*ParenExpr) exprNode() {}
