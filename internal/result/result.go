// Package result holds the typed result set of a private query and renders
// it as an aligned table, JSON or CSV.
package result

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"

	"duckdp/internal/domain"
)

// Column describes one result column.
type Column struct {
	Name string           `json:"name"`
	Type domain.ValueType `json:"type"`
}

// Result is a noised result set. Row values are int64, float64, bool,
// string or nil, matching the column type.
type Result struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ColumnNames returns the column names in order.
func (r *Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Format is an output format name.
type Format string

// FormatTable and friends are the supported output formats.
const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// ParseFormat validates an output format name; empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", domain.ErrValidation("unsupported output format %q: use 'table', 'json' or 'csv'", s)
	}
}

// Write renders r to w in the given format.
func Write(w io.Writer, r *Result, f Format) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatCSV:
		return WriteCSV(w, r)
	default:
		return WriteTable(w, r)
	}
}

// WriteJSON writes {"columns": [...], "rows": [...]} with two-space indent.
func WriteJSON(w io.Writer, r *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteCSV writes a header row followed by one record per row. NULL is an
// empty field.
func WriteCSV(w io.Writer, r *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(r.Columns))
	for _, row := range r.Rows {
		for i, v := range row {
			record[i] = FormatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes an aligned text table with upper-cased headers and
// right-aligned numeric columns. When w is a terminal, cells are truncated
// so each line fits its width.
func WriteTable(w io.Writer, r *Result) error {
	if len(r.Columns) == 0 {
		return nil
	}
	return writeTable(w, r, terminalWidth(w))
}

func writeTable(w io.Writer, r *Result, maxWidth int) error {
	header := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		header[i] = strings.ToUpper(c.Name)
	}
	cells := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			cells[i][j] = tableValue(v)
		}
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range cells {
		for i, s := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(s))
		}
	}
	fitWidths(widths, maxWidth)

	numeric := make([]bool, len(r.Columns))
	for i, c := range r.Columns {
		numeric[i] = c.Type == domain.ValueInt || c.Type == domain.ValueFloat
	}

	var b strings.Builder
	writeLine := func(row []string) {
		for i, s := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			s = truncate(s, widths[i])
			pad := strings.Repeat(" ", widths[i]-utf8.RuneCountInString(s))
			switch {
			case numeric[i]:
				b.WriteString(pad + s)
			case i == len(row)-1:
				b.WriteString(s)
			default:
				b.WriteString(s + pad)
			}
		}
		b.WriteByte('\n')
	}

	writeLine(header)
	for _, row := range cells {
		writeLine(row)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// fitWidths shrinks the widest columns until the table fits maxWidth.
// A maxWidth of 0 means unlimited.
func fitWidths(widths []int, maxWidth int) {
	if maxWidth <= 0 {
		return
	}
	const minCol = 4
	for {
		total := 2 * (len(widths) - 1)
		widest := 0
		for i, w := range widths {
			total += w
			if w > widths[widest] {
				widest = i
			}
		}
		if total <= maxWidth || widths[widest] <= minCol {
			return
		}
		widths[widest]--
	}
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "…"
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// FormatValue renders a value for CSV and HTML output. NULL is empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// tableValue renders a value for the text table, with floats rounded for
// reading.
func tableValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(x, 'f', 4, 64)
	default:
		return FormatValue(v)
	}
}
