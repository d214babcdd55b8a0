package sqlparse

import (
	"fmt"
	"strings"
)

// Expression parsing using Pratt parser (precedence climbing).

func (p *Parser) parseExpression() Expr {
	return p.parseExpressionWithPrecedence(PrecedenceNone + 1)
}

func (p *Parser) parseExpressionWithPrecedence(minPrecedence int) Expr {
	left := p.parsePrefixExpr()
	if left == nil {
		return nil
	}

	for {
		prec := p.getInfixPrecedence()
		if prec < minPrecedence {
			break
		}
		op := p.token.Type
		p.nextToken()
		right := p.parseExpressionWithPrecedence(prec + 1)
		if right == nil {
			if !p.failed() {
				p.addError(fmt.Sprintf("expected expression after %s", op))
			}
			return nil
		}
		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}

	return left
}

func (p *Parser) parsePrefixExpr() Expr {
	switch p.token.Type {
	case TOKEN_NOT:
		p.nextToken()
		expr := p.parseExpressionWithPrecedence(PrecedenceNot)
		if expr == nil {
			return nil
		}
		return &UnaryExpr{Op: TOKEN_NOT, Expr: expr}
	case TOKEN_MINUS, TOKEN_PLUS:
		op := p.token.Type
		p.nextToken()
		expr := p.parseExpressionWithPrecedence(PrecedenceUnary)
		if expr == nil {
			return nil
		}
		return &UnaryExpr{Op: op, Expr: expr}
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) getInfixPrecedence() int {
	switch p.token.Type {
	case TOKEN_OR:
		return PrecedenceOr
	case TOKEN_AND:
		return PrecedenceAnd
	case TOKEN_EQ, TOKEN_NE, TOKEN_LT, TOKEN_GT, TOKEN_LE, TOKEN_GE:
		return PrecedenceComparison
	case TOKEN_PLUS, TOKEN_MINUS:
		return PrecedenceAddition
	case TOKEN_STAR, TOKEN_SLASH, TOKEN_MOD:
		return PrecedenceMultiply
	default:
		return PrecedenceNone
	}
}

func (p *Parser) parsePrimary() Expr {
	switch p.token.Type {
	case TOKEN_NUMBER:
		lit := &Literal{Type: LiteralNumber, Value: p.token.Literal}
		p.nextToken()
		return lit
	case TOKEN_STRING:
		lit := &Literal{Type: LiteralString, Value: p.token.Literal}
		p.nextToken()
		return lit
	case TOKEN_TRUE, TOKEN_FALSE:
		lit := &Literal{Type: LiteralBool, Value: strings.ToUpper(p.token.Literal)}
		p.nextToken()
		return lit
	case TOKEN_NULL:
		p.nextToken()
		return &Literal{Type: LiteralNull, Value: "NULL"}
	case TOKEN_LPAREN:
		if p.checkPeek(TOKEN_SELECT) || p.checkPeek(TOKEN_WITH) {
			p.unsupported("subqueries are not supported")
			return nil
		}
		p.nextToken()
		inner := p.parseExpression()
		if inner == nil {
			return nil
		}
		if !p.expect(TOKEN_RPAREN) {
			return nil
		}
		return &ParenExpr{Expr: inner}
	case TOKEN_SELECT:
		p.unsupported("subqueries are not supported")
		return nil
	case TOKEN_IDENT:
		if p.checkPeek(TOKEN_LPAREN) {
			return p.parseFuncCall()
		}
		return p.parseColumnRef()
	default:
		p.addError(fmt.Sprintf("unexpected token %s in expression", describe(p.token)))
		return nil
	}
}

func (p *Parser) parseFuncCall() Expr {
	fn := &FuncCall{Name: p.token.Literal}
	p.nextToken() // name
	p.nextToken() // (

	if p.match(TOKEN_DISTINCT) {
		fn.Distinct = true
	} else {
		p.match(TOKEN_ALL)
	}

	switch {
	case p.match(TOKEN_STAR):
		fn.Star = true
	case !p.check(TOKEN_RPAREN):
		fn.Args = p.parseExpressionList()
		if p.failed() {
			return nil
		}
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}

	if p.check(TOKEN_IDENT) && strings.EqualFold(p.token.Literal, "over") && p.checkPeek(TOKEN_LPAREN) {
		p.unsupported("window functions are not supported")
		return nil
	}
	return fn
}

// parseColumnRef parses column, table.column or schema.table.column.
func (p *Parser) parseColumnRef() Expr {
	parts := []string{p.token.Literal}
	p.nextToken()
	for p.match(TOKEN_DOT) {
		if p.check(TOKEN_STAR) {
			p.unsupported("qualified * is not supported")
			return nil
		}
		if !p.check(TOKEN_IDENT) {
			p.addError(fmt.Sprintf("expected identifier after '.', got %s", describe(p.token)))
			return nil
		}
		parts = append(parts, p.token.Literal)
		p.nextToken()
	}
	if len(parts) > 3 {
		p.unsupported("column reference %q has too many parts", strings.Join(parts, "."))
		return nil
	}
	last := len(parts) - 1
	return &ColumnRef{Table: strings.Join(parts[:last], "."), Column: parts[last]}
}

func (p *Parser) parseExpressionList() []Expr {
	var exprs []Expr
	for {
		expr := p.parseExpression()
		if expr == nil {
			return nil
		}
		exprs = append(exprs, expr)
		if !p.match(TOKEN_COMMA) {
			return exprs
		}
	}
}
