package datasource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"duckdp/internal/domain"
	"duckdp/internal/metadata"
)

// ReadCSV decodes a CSV stream with a header row into a MemTable holding the
// table's declared columns. Header names match case-insensitively; extra
// CSV columns are ignored. Empty fields are NULL in nullable columns.
//
// Fails with SchemaError when a declared column is missing from the header,
// or when a value cannot be parsed as its declared type (the error names the
// 1-based data row and the column).
func ReadCSV(r io.Reader, table *metadata.Table) (*MemTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.ErrSchema("%s: CSV input is empty", table.QualifiedName())
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	positions := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := positions[key]; dup {
			return nil, domain.ErrSchema("%s: duplicate CSV column %q", table.QualifiedName(), h)
		}
		positions[key] = i
	}

	fields := make([]int, len(table.Columns))
	cols := make([]*Column, len(table.Columns))
	for i, meta := range table.Columns {
		pos, ok := positions[strings.ToLower(meta.Name)]
		if !ok {
			return nil, domain.ErrSchema("%s: CSV is missing column %q", table.QualifiedName(), meta.Name)
		}
		fields[i] = pos
		cols[i] = &Column{Name: meta.Name, Type: meta.Type}
	}

	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.ErrSchema("%s: row %d: %v", table.QualifiedName(), row, err)
		}
		for i, meta := range table.Columns {
			v, err := convert(record[fields[i]], meta)
			if err != nil {
				return nil, domain.ErrSchema("%s: row %d, column %q: %v", table.QualifiedName(), row, meta.Name, err)
			}
			cols[i].Values = append(cols[i].Values, v)
		}
	}

	return NewMemTable(table.QualifiedName(), cols...)
}

// convert parses one CSV field per the column's declared type.
func convert(raw string, col *metadata.Column) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		if col.Nullable {
			return nil, nil
		}
		return nil, errors.New("empty value in non-nullable column")
	}

	switch col.Type {
	case domain.TypeInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// Accept integral floats such as "42.0".
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot parse %q as int", raw)
		}
		return int64(f), nil
	case domain.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as float", raw)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%q is not a finite float", raw)
		}
		return f, nil
	case domain.TypeBoolean:
		b, ok := parseBool(s)
		if !ok {
			return nil, fmt.Errorf("cannot parse %q as boolean", raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// Case-insensitive boolean spellings. LoadDuckDB accepts the same sets.
var (
	trueWords  = []string{"true", "t", "1", "yes", "y"}
	falseWords = []string{"false", "f", "0", "no", "n"}
)

func parseBool(s string) (value, ok bool) {
	s = strings.ToLower(s)
	if slices.Contains(trueWords, s) {
		return true, true
	}
	if slices.Contains(falseWords, s) {
		return false, true
	}
	return false, false
}
