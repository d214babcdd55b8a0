package result

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/domain"
)

func sample() *Result {
	return &Result{
		Columns: []Column{
			{Name: "married", Type: domain.ValueBool},
			{Name: "income", Type: domain.ValueFloat},
			{Name: "n", Type: domain.ValueInt},
		},
		Rows: [][]any{
			{false, 30123.456789, int64(451)},
			{true, 52000.5, int64(549)},
			{nil, nil, int64(0)},
		},
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, sample()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "MARRIED      INCOME    N", lines[0])
	assert.Equal(t, "false    30123.4568  451", lines[1])
	assert.Equal(t, "true     52000.5000  549", lines[2])
	assert.Equal(t, "NULL           NULL    0", lines[3])
}

func TestWriteTable_NoColumns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, &Result{}))
	assert.Empty(t, buf.String())
}

func TestWriteTable_FitsWidth(t *testing.T) {
	r := &Result{
		Columns: []Column{{Name: "k", Type: domain.ValueString}, {Name: "v", Type: domain.ValueInt}},
		Rows:    [][]any{{strings.Repeat("x", 40), int64(1)}},
	}
	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, r, 20))
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 20, line)
	}
	assert.Contains(t, buf.String(), "…")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sample()))
	assert.JSONEq(t, `{
		"columns": [
			{"name": "married", "type": "boolean"},
			{"name": "income", "type": "float"},
			{"name": "n", "type": "int"}
		],
		"rows": [
			[false, 30123.456789, 451],
			[true, 52000.5, 549],
			[null, null, 0]
		]
	}`, buf.String())
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample()))
	assert.Equal(t, "married,income,n\nfalse,30123.456789,451\ntrue,52000.5,549\n,,0\n", buf.String())
}

func TestParseFormatAndWrite(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatTable},
		{"TABLE", FormatTable},
		{" json ", FormatJSON},
		{"csv", FormatCSV},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseFormat("yaml")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sample(), FormatCSV))
	assert.True(t, strings.HasPrefix(buf.String(), "married,income,n\n"))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "1.5", FormatValue(1.5))
	assert.Equal(t, "-3", FormatValue(int64(-3)))
	assert.Equal(t, "true", FormatValue(true))
	assert.Equal(t, "abc", FormatValue("abc"))
}
