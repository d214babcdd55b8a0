package sqlparse

import (
	"fmt"
	"strconv"
	"strings"

	"duckdp/internal/domain"
)

// Parser parses the aggregation dialect into a SelectStmt.
type Parser struct {
	lexer  *Lexer
	token  Token // current token
	peek   Token // lookahead token
	peek2  Token // second lookahead token
	errors []error
}

// NewParser creates a new parser for the given SQL input.
func NewParser(sql string) *Parser {
	p := &Parser{lexer: NewLexer(sql)}
	p.nextToken()
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a single SELECT statement. Every failure, syntactic or
// outside the dialect, is a *domain.UnsupportedQueryError.
func Parse(sql string) (*SelectStmt, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, domain.ErrUnsupported("empty SQL")
	}

	p := NewParser(sql)
	stmt := p.parseTopLevel()
	if len(p.errors) > 0 {
		return nil, p.errors[0]
	}
	if p.token.Type != TOKEN_EOF {
		return nil, domain.ErrUnsupported("multi-statement queries are not allowed")
	}
	return stmt, nil
}

// ParseExpr parses a standalone expression.
func ParseExpr(sql string) (Expr, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, domain.ErrUnsupported("empty expression")
	}

	p := NewParser(sql)
	expr := p.parseExpression()
	if len(p.errors) > 0 {
		return nil, p.errors[0]
	}
	if p.token.Type != TOKEN_EOF {
		return nil, domain.ErrUnsupported("unexpected token after expression: %s", p.token.Literal)
	}
	return expr, nil
}

func (p *Parser) parseTopLevel() *SelectStmt {
	switch p.token.Type {
	case TOKEN_SELECT:
		return p.parseSelect()
	case TOKEN_WITH:
		p.unsupported("common table expressions are not supported")
	case TOKEN_INSERT, TOKEN_UPDATE, TOKEN_DELETE, TOKEN_CREATE, TOKEN_DROP:
		p.unsupported("only SELECT statements are supported, got %s", p.token.Type)
	case TOKEN_LPAREN:
		p.unsupported("parenthesized queries are not supported")
	default:
		p.addError(fmt.Sprintf("unexpected token at start of statement: %s", describe(p.token)))
	}
	return nil
}

func (p *Parser) parseSelect() *SelectStmt {
	p.expect(TOKEN_SELECT)
	stmt := &SelectStmt{}

	if p.match(TOKEN_DISTINCT) {
		stmt.Distinct = true
	} else {
		p.match(TOKEN_ALL)
	}

	stmt.Columns = p.parseSelectList()
	if p.failed() {
		return nil
	}

	if !p.match(TOKEN_FROM) {
		p.addError(fmt.Sprintf("expected FROM, got %s", describe(p.token)))
		return nil
	}
	stmt.From = p.parseTableName()
	if p.failed() {
		return nil
	}

	switch {
	case p.isJoinStart():
		p.unsupported("joins are not supported")
		return nil
	case p.check(TOKEN_WHERE):
		p.unsupported("WHERE clauses are not supported")
		return nil
	}

	if p.match(TOKEN_GROUP) {
		if !p.expect(TOKEN_BY) {
			return nil
		}
		stmt.GroupBy = p.parseExpressionList()
		if p.failed() {
			return nil
		}
	}

	switch p.token.Type {
	case TOKEN_HAVING:
		p.unsupported("HAVING clauses are not supported")
		return nil
	case TOKEN_UNION, TOKEN_INTERSECT, TOKEN_EXCEPT:
		p.unsupported("set operations are not supported")
		return nil
	}

	if p.match(TOKEN_ORDER) {
		if !p.expect(TOKEN_BY) {
			return nil
		}
		stmt.OrderBy = p.parseOrderByList()
		if p.failed() {
			return nil
		}
	}

	if p.match(TOKEN_LIMIT) {
		stmt.Limit = p.parseLimit()
		if p.failed() {
			return nil
		}
	}
	if p.check(TOKEN_OFFSET) {
		p.unsupported("OFFSET is not supported")
		return nil
	}

	if !p.check(TOKEN_SEMICOLON) && !p.check(TOKEN_EOF) {
		p.addError(fmt.Sprintf("unexpected token %s", describe(p.token)))
		return nil
	}
	p.match(TOKEN_SEMICOLON)
	return stmt
}

func (p *Parser) parseSelectList() []SelectItem {
	var items []SelectItem
	for {
		item := p.parseSelectItem()
		if p.failed() {
			return nil
		}
		items = append(items, item)
		if !p.match(TOKEN_COMMA) {
			return items
		}
	}
}

func (p *Parser) parseSelectItem() SelectItem {
	if p.match(TOKEN_STAR) {
		return SelectItem{Star: true}
	}
	item := SelectItem{Expr: p.parseExpression()}
	if p.failed() {
		return item
	}
	item.Alias = p.parseAlias()
	return item
}

// parseAlias parses an optional [AS] alias.
func (p *Parser) parseAlias() string {
	if p.match(TOKEN_AS) {
		if !p.check(TOKEN_IDENT) {
			p.addError(fmt.Sprintf("expected alias after AS, got %s", describe(p.token)))
			return ""
		}
		alias := p.token.Literal
		p.nextToken()
		return alias
	}
	if p.check(TOKEN_IDENT) {
		alias := p.token.Literal
		p.nextToken()
		return alias
	}
	return ""
}

func (p *Parser) parseTableName() *TableName {
	if p.check(TOKEN_LPAREN) {
		p.unsupported("subqueries are not supported")
		return nil
	}
	if !p.check(TOKEN_IDENT) {
		p.addError(fmt.Sprintf("expected table name, got %s", describe(p.token)))
		return nil
	}

	tn := &TableName{Name: p.token.Literal}
	p.nextToken()
	if p.match(TOKEN_DOT) {
		if !p.check(TOKEN_IDENT) {
			p.addError(fmt.Sprintf("expected table name after %q., got %s", tn.Name, describe(p.token)))
			return nil
		}
		tn.Schema, tn.Name = tn.Name, p.token.Literal
		p.nextToken()
		if p.check(TOKEN_DOT) {
			p.unsupported("table names with more than two parts are not supported")
			return nil
		}
	}
	if p.check(TOKEN_LPAREN) {
		p.unsupported("table functions are not supported")
		return nil
	}
	tn.Alias = p.parseAlias()
	return tn
}

func (p *Parser) parseOrderByList() []OrderByItem {
	var items []OrderByItem
	for {
		item := OrderByItem{Expr: p.parseExpression()}
		if p.failed() {
			return nil
		}
		if p.match(TOKEN_DESC) {
			item.Desc = true
		} else {
			p.match(TOKEN_ASC)
		}
		items = append(items, item)
		if !p.match(TOKEN_COMMA) {
			return items
		}
	}
}

func (p *Parser) parseLimit() *int64 {
	if !p.check(TOKEN_NUMBER) {
		p.addError(fmt.Sprintf("LIMIT expects a non-negative integer, got %s", describe(p.token)))
		return nil
	}
	n, err := strconv.ParseInt(p.token.Literal, 10, 64)
	if err != nil || n < 0 {
		p.addError(fmt.Sprintf("LIMIT expects a non-negative integer, got %s", p.token.Literal))
		return nil
	}
	p.nextToken()
	return &n
}

// isJoinStart reports whether the current token begins a join or a
// comma-separated second FROM item.
func (p *Parser) isJoinStart() bool {
	switch p.token.Type {
	case TOKEN_JOIN, TOKEN_INNER, TOKEN_LEFT, TOKEN_RIGHT, TOKEN_FULL,
		TOKEN_CROSS, TOKEN_NATURAL, TOKEN_OUTER, TOKEN_COMMA:
		return true
	}
	return false
}

// === Token Helpers ===

func (p *Parser) nextToken() {
	p.token = p.peek
	p.peek = p.peek2
	p.peek2 = p.lexer.NextToken()
}

func (p *Parser) check(t TokenType) bool {
	return p.token.Type == t
}

func (p *Parser) checkPeek(t TokenType) bool {
	return p.peek.Type == t
}

// match consumes the current token if it matches and returns true.
func (p *Parser) match(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	return false
}

// expect consumes the current token if it matches, otherwise adds an error.
func (p *Parser) expect(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	p.addError(fmt.Sprintf("unexpected token %s, expected %s", describe(p.token), t))
	return false
}

func (p *Parser) failed() bool {
	return len(p.errors) > 0
}

// addError records a syntax error at the current token.
func (p *Parser) addError(msg string) {
	p.errors = append(p.errors, domain.ErrUnsupported("parse error at offset %d: %s", p.token.Pos, msg))
}

// unsupported records a well-formed construct outside the dialect.
func (p *Parser) unsupported(format string, args ...interface{}) {
	p.errors = append(p.errors, domain.ErrUnsupported(format, args...))
}

func describe(tok Token) string {
	switch tok.Type {
	case TOKEN_EOF:
		return "end of input"
	case TOKEN_IDENT, TOKEN_NUMBER, TOKEN_STRING, TOKEN_ILLEGAL:
		return fmt.Sprintf("%s %q", tok.Type, tok.Literal)
	default:
		return tok.Type.String()
	}
}
