package domain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColumnType(t *testing.T) {
	tests := []struct {
		in   string
		want ColumnType
		ok   bool
	}{
		{"int", TypeInt, true},
		{" BIGINT ", TypeInt, true},
		{"double", TypeFloat, true},
		{"bool", TypeBoolean, true},
		{"categorical", TypeString, true},
		{"text", TypeText, true},
		{"datetime", "", false},
	}
	for _, tc := range tests {
		got, ok := ParseColumnType(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestColumnType_Kind(t *testing.T) {
	assert.Equal(t, KindNumeric, TypeInt.Kind())
	assert.True(t, TypeFloat.IsNumeric())
	assert.Equal(t, KindCategorical, TypeBoolean.Kind())
	assert.Equal(t, KindCategorical, TypeString.Kind())
	assert.Equal(t, KindText, TypeText.Kind())
	assert.Equal(t, "text", KindText.String())
}

func TestParseAggregateFunc(t *testing.T) {
	for _, name := range []string{"count", "SUM", "Avg", "min", "MAX"} {
		f, ok := ParseAggregateFunc(name)
		require.True(t, ok, name)
		assert.Equal(t, strings.ToUpper(name), f.String())
	}
	_, ok := ParseAggregateFunc("median")
	assert.False(t, ok)
	assert.Equal(t, "INVALID", AggregateFunc(0).String())
}

func TestValueTypeOf(t *testing.T) {
	assert.Equal(t, ValueInt, ValueTypeOf(TypeInt))
	assert.Equal(t, ValueFloat, ValueTypeOf(TypeFloat))
	assert.Equal(t, ValueBool, ValueTypeOf(TypeBoolean))
	assert.Equal(t, ValueString, ValueTypeOf(TypeString))
	assert.Equal(t, ValueString, ValueTypeOf(TypeText))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), ContextPrincipal{Name: "alice", Type: "jwt"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)
}
