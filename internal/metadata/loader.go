package metadata

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"duckdp/internal/domain"
)

// Table option keys. Every other key under a table is a column.
const (
	optRowPrivacy   = "row_privacy"
	optRows         = "rows"
	optMaxIDs       = "max_ids"
	optCensorDims   = "censor_dims"
	optClampCounts  = "clamp_counts"
	optMinGroupSize = "min_group_size"
	optKey          = "key"
)

// engineKey is the informational top-level key naming the source engine.
const engineKey = "engine"

// Load reads a metadata file from disk and builds a Catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// Parse builds a Catalog from YAML collection metadata:
//
//	Collection:
//	  PUMS:              # schema
//	    PUMS:            # table
//	      max_ids: 1
//	      income: {type: int, lower: 0, upper: 500000}
//	engine: pandas
//
// Fails with SchemaError on malformed YAML, unknown keys or types, invalid
// bounds, and duplicate table or column names.
func Parse(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.ErrSchema("parse metadata: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, domain.ErrSchema("metadata document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, schemaErrAt(root, "metadata root must be a mapping")
	}

	var (
		collection string
		engine     string
		tables     []*Table
	)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Value == engineKey && val.Kind == yaml.ScalarNode {
			engine = val.Value
			continue
		}
		if val.Kind != yaml.MappingNode {
			return nil, schemaErrAt(val, "collection %q must be a mapping", key.Value)
		}
		if collection != "" {
			return nil, schemaErrAt(key, "only one collection per metadata file is supported, found %q and %q", collection, key.Value)
		}
		collection = key.Value

		parsed, err := parseCollection(val)
		if err != nil {
			return nil, err
		}
		tables = append(tables, parsed...)
	}
	if collection == "" {
		return nil, domain.ErrSchema("metadata declares no collection")
	}

	cat, err := New(collection, tables...)
	if err != nil {
		return nil, err
	}
	cat.Engine = engine
	return cat, nil
}

// parseCollection walks schema -> table mappings.
func parseCollection(node *yaml.Node) ([]*Table, error) {
	var tables []*Table
	for i := 0; i+1 < len(node.Content); i += 2 {
		schemaKey, schemaVal := node.Content[i], node.Content[i+1]
		if schemaVal.Kind != yaml.MappingNode {
			return nil, schemaErrAt(schemaVal, "schema %q must be a mapping of tables", schemaKey.Value)
		}
		for j := 0; j+1 < len(schemaVal.Content); j += 2 {
			tableKey, tableVal := schemaVal.Content[j], schemaVal.Content[j+1]
			t, err := parseTable(schemaKey.Value, tableKey.Value, tableVal)
			if err != nil {
				return nil, err
			}
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func parseTable(schema, name string, node *yaml.Node) (*Table, error) {
	if node.Kind != yaml.MappingNode {
		return nil, schemaErrAt(node, "table %s.%s must be a mapping", schema, name)
	}
	t := &Table{
		Schema:      schema,
		Name:        name,
		MaxIDs:      1,
		RowPrivacy:  true,
		CensorDims:  true,
		ClampCounts: true,
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case optRowPrivacy:
			t.RowPrivacy, err = scalarBool(val)
		case optRows:
			t.Rows, err = scalarInt(val)
		case optMaxIDs:
			var n int64
			n, err = scalarInt(val)
			t.MaxIDs = int(n)
		case optCensorDims:
			t.CensorDims, err = scalarBool(val)
		case optClampCounts:
			t.ClampCounts, err = scalarBool(val)
		case optMinGroupSize:
			var n int64
			n, err = scalarInt(val)
			size := int(n)
			t.MinGroupSize = &size
		case optKey:
			t.Key, err = scalarString(val)
		default:
			var col *Column
			col, err = parseColumn(key.Value, val)
			if err == nil {
				t.Columns = append(t.Columns, col)
			}
		}
		if err != nil {
			return nil, schemaErrAt(val, "%s.%s.%s: %v", schema, name, key.Value, err)
		}
	}

	if err := t.build(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseColumn(name string, node *yaml.Node) (*Column, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("column definition must be a mapping")
	}
	col := &Column{Name: name, Nullable: true}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case "type":
			var s string
			if s, err = scalarString(val); err == nil {
				typ, ok := domain.ParseColumnType(s)
				if !ok {
					return nil, fmt.Errorf("unknown type %q", s)
				}
				col.Type = typ
			}
		case "lower":
			var f float64
			f, err = scalarFloat(val)
			col.Lower = &f
		case "upper":
			var f float64
			f, err = scalarFloat(val)
			col.Upper = &f
		case "nullable":
			col.Nullable, err = scalarBool(val)
		case "cardinality":
			var n int64
			n, err = scalarInt(val)
			col.Cardinality = int(n)
		case "private_id":
			col.PrivateID, err = scalarBool(val)
		default:
			return nil, fmt.Errorf("unknown column field %q", key.Value)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key.Value, err)
		}
	}
	if col.Type == "" {
		return nil, fmt.Errorf("type is required")
	}
	return col, nil
}

func scalarString(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("expected a scalar value")
	}
	return n.Value, nil
}

func scalarBool(n *yaml.Node) (bool, error) {
	s, err := scalarString(n)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %q", s)
	}
	return b, nil
}

func scalarInt(n *yaml.Node) (int64, error) {
	s, err := scalarString(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected an integer, got %q", s)
	}
	return v, nil
}

func scalarFloat(n *yaml.Node) (float64, error) {
	s, err := scalarString(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	return v, nil
}

// schemaErrAt prefixes a SchemaError with the YAML line number of node.
func schemaErrAt(node *yaml.Node, format string, args ...interface{}) *domain.SchemaError {
	msg := fmt.Sprintf(format, args...)
	if node != nil && node.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", node.Line, msg)
	}
	return &domain.SchemaError{Message: msg}
}
