package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "pums",
			sql:  pumsQuery,
			want: `SELECT "married", AVG("income") AS "income", COUNT(*) AS "n" FROM "PUMS"."PUMS" GROUP BY "married"`,
		},
		{
			name: "lowercase keywords and functions",
			sql:  "select sum(income) total from pums p order by total desc limit 3",
			want: `SELECT SUM("income") AS "total" FROM "pums" AS "p" ORDER BY "total" DESC LIMIT 3`,
		},
		{
			name: "qualified column",
			sql:  "SELECT COUNT(p.age) FROM pums p",
			want: `SELECT COUNT("p"."age") FROM "pums" AS "p"`,
		},
		{
			name: "distinct and literals",
			sql:  "SELECT DISTINCT sex, 'it''s', 1.5, NULL, true FROM t",
			want: `SELECT DISTINCT "sex", 'it''s', 1.5, NULL, TRUE FROM "t"`,
		},
		{
			name: "arithmetic",
			sql:  "SELECT (age + 1) * 2, - -age FROM t",
			want: `SELECT ("age" + 1) * 2, - -"age" FROM "t"`,
		},
		{
			name: "quoted identifier with quote",
			sql:  `SELECT COUNT("we""ird") FROM t`,
			want: `SELECT COUNT("we""ird") FROM "t"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stmt, err := Parse(tc.sql)
			require.NoError(t, err)
			got := Format(stmt)
			assert.Equal(t, tc.want, got)

			// Formatting is a fixed point.
			again, err := Parse(got)
			require.NoError(t, err)
			assert.Equal(t, got, Format(again))
		})
	}
}

func TestFormatExpr(t *testing.T) {
	expr, err := ParseExpr("age <> 3 AND NOT married")
	require.NoError(t, err)
	assert.Equal(t, `"age" != 3 AND NOT "married"`, FormatExpr(expr))
}
