package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexer_Punctuation(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType TokenType
		wantLit  string
	}{
		{"plus", "+", TOKEN_PLUS, "+"},
		{"minus", "-", TOKEN_MINUS, "-"},
		{"star", "*", TOKEN_STAR, "*"},
		{"slash", "/", TOKEN_SLASH, "/"},
		{"mod", "%", TOKEN_MOD, "%"},
		{"eq", "=", TOKEN_EQ, "="},
		{"ne_bang", "!=", TOKEN_NE, "!="},
		{"ne_diamond", "<>", TOKEN_NE, "<>"},
		{"lt", "<", TOKEN_LT, "<"},
		{"gt", ">", TOKEN_GT, ">"},
		{"le", "<=", TOKEN_LE, "<="},
		{"ge", ">=", TOKEN_GE, ">="},
		{"dot", ".", TOKEN_DOT, "."},
		{"comma", ",", TOKEN_COMMA, ","},
		{"semicolon", ";", TOKEN_SEMICOLON, ";"},
		{"lparen", "(", TOKEN_LPAREN, "("},
		{"rparen", ")", TOKEN_RPAREN, ")"},
		{"bang alone", "!", TOKEN_ILLEGAL, "!"},
		{"question", "?", TOKEN_ILLEGAL, "?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := NewLexer(tt.input).NextToken()
			assert.Equal(t, tt.wantType, tok.Type)
			assert.Equal(t, tt.wantLit, tok.Literal)
		})
	}
}

func TestLexer_Literals(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType TokenType
		wantLit  string
	}{
		{"integer", "42", TOKEN_NUMBER, "42"},
		{"decimal", "3.14", TOKEN_NUMBER, "3.14"},
		{"scientific", "1e10", TOKEN_NUMBER, "1e10"},
		{"signed exponent", "2.5E-3", TOKEN_NUMBER, "2.5E-3"},
		{"string", "'hello'", TOKEN_STRING, "hello"},
		{"escaped quote", "'it''s'", TOKEN_STRING, "it's"},
		{"quoted ident", `"Income"`, TOKEN_IDENT, "Income"},
		{"escaped ident quote", `"a""b"`, TOKEN_IDENT, `a"b`},
		{"bare ident", "married", TOKEN_IDENT, "married"},
		{"underscore ident", "_col1", TOKEN_IDENT, "_col1"},
		{"keyword lower", "select", TOKEN_SELECT, "select"},
		{"keyword mixed", "GrOuP", TOKEN_GROUP, "GrOuP"},
		{"unterminated string", "'oops", TOKEN_ILLEGAL, "unterminated string"},
		{"unterminated ident", `"oops`, TOKEN_ILLEGAL, "unterminated identifier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := NewLexer(tt.input).NextToken()
			assert.Equal(t, tt.wantType, tok.Type)
			assert.Equal(t, tt.wantLit, tok.Literal)
		})
	}
}

func TestLexer_CommentsAndPositions(t *testing.T) {
	l := NewLexer("-- leading comment\nSELECT /* block */ n")

	tok := l.NextToken()
	require.Equal(t, TOKEN_SELECT, tok.Type)
	assert.Equal(t, 19, tok.Pos)

	tok = l.NextToken()
	require.Equal(t, TOKEN_IDENT, tok.Type)
	assert.Equal(t, "n", tok.Literal)
	assert.Equal(t, 38, tok.Pos)

	assert.Equal(t, TOKEN_EOF, l.NextToken().Type)
	assert.Equal(t, TOKEN_EOF, l.NextToken().Type)
}

func TestTokenType_String(t *testing.T) {
	assert.Equal(t, "SELECT", TOKEN_SELECT.String())
	assert.Equal(t, "!=", TOKEN_NE.String())
	assert.Equal(t, "TOKEN(9999)", TokenType(9999).String())
}
