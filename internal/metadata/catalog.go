// Package metadata holds the schema catalog: per-table and per-column
// metadata that drives binding, sensitivity calculation, and CSV decoding.
package metadata

import (
	"fmt"
	"math"
	"strings"

	"duckdp/internal/domain"
)

// Column describes one column of a table. Columns are immutable once the
// catalog is built.
type Column struct {
	Name        string
	Type        domain.ColumnType
	Nullable    bool
	Lower       *float64
	Upper       *float64
	Cardinality int  // declared number of distinct values, 0 if unknown
	PrivateID   bool // identifies an individual; never grouped or aggregated
}

// Bounded returns true when both lower and upper bounds are declared.
func (c *Column) Bounded() bool {
	return c.Lower != nil && c.Upper != nil
}

// Range returns upper - lower, or 0 for an unbounded column.
func (c *Column) Range() float64 {
	if !c.Bounded() {
		return 0
	}
	return *c.Upper - *c.Lower
}

// MaxAbs returns max(|lower|, |upper|), or 0 for an unbounded column. It
// bounds how far one clamped value can move a sum.
func (c *Column) MaxAbs() float64 {
	if !c.Bounded() {
		return 0
	}
	return math.Max(math.Abs(*c.Lower), math.Abs(*c.Upper))
}

// Clamp limits v to the declared bounds. Unbounded columns are returned unchanged.
func (c *Column) Clamp(v float64) float64 {
	if c.Lower != nil && v < *c.Lower {
		return *c.Lower
	}
	if c.Upper != nil && v > *c.Upper {
		return *c.Upper
	}
	return v
}

// Table describes one table: its ordered columns and privacy options.
type Table struct {
	Schema  string
	Name    string
	Columns []*Column
	Key     string // optional primary key column

	MaxIDs       int   // rows one individual may contribute; multiplies sensitivity
	RowPrivacy   bool  // each row is one individual
	Rows         int64 // approximate row count hint, 0 if unknown
	CensorDims   bool  // suppress small groups
	ClampCounts  bool  // clamp noisy counts at zero
	MinGroupSize *int  // per-table override of the suppression threshold

	index map[string]int
}

// QualifiedName returns "schema.table", or just the table name when the
// table has no schema.
func (t *Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column looks up a column by case-insensitive name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return t.Columns[i], true
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// NewTable builds a table with default privacy options and validates its
// columns. Defaults: MaxIDs=1, RowPrivacy, CensorDims and ClampCounts on.
func NewTable(schema, name string, columns ...*Column) (*Table, error) {
	t := &Table{
		Schema:      schema,
		Name:        name,
		Columns:     columns,
		MaxIDs:      1,
		RowPrivacy:  true,
		CensorDims:  true,
		ClampCounts: true,
	}
	if err := t.build(); err != nil {
		return nil, err
	}
	return t, nil
}

// build indexes the columns and validates table-level invariants.
func (t *Table) build() error {
	if t.Name == "" {
		return domain.ErrSchema("table name is required")
	}
	if len(t.Columns) == 0 {
		return domain.ErrSchema("table %s has no columns", t.QualifiedName())
	}
	if t.MaxIDs < 1 {
		return domain.ErrSchema("table %s: max_ids must be >= 1, got %d", t.QualifiedName(), t.MaxIDs)
	}
	if t.MinGroupSize != nil && *t.MinGroupSize < 0 {
		return domain.ErrSchema("table %s: min_group_size must be >= 0", t.QualifiedName())
	}

	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if err := validateColumn(t, c); err != nil {
			return err
		}
		key := strings.ToLower(c.Name)
		if _, dup := t.index[key]; dup {
			return domain.ErrSchema("table %s: duplicate column %q", t.QualifiedName(), c.Name)
		}
		t.index[key] = i
	}

	if t.Key != "" {
		if _, ok := t.Column(t.Key); !ok {
			return domain.ErrSchema("table %s: key column %q is not declared", t.QualifiedName(), t.Key)
		}
	}
	return nil
}

func validateColumn(t *Table, c *Column) error {
	if c == nil || c.Name == "" {
		return domain.ErrSchema("table %s: column name is required", t.QualifiedName())
	}
	if _, ok := domain.ParseColumnType(string(c.Type)); !ok {
		return domain.ErrSchema("%s.%s: unknown type %q", t.QualifiedName(), c.Name, c.Type)
	}
	if (c.Lower == nil) != (c.Upper == nil) {
		return domain.ErrSchema("%s.%s: lower and upper must be declared together", t.QualifiedName(), c.Name)
	}
	if c.Bounded() {
		if !c.Type.IsNumeric() {
			return domain.ErrSchema("%s.%s: bounds are only allowed on numeric columns, not %s", t.QualifiedName(), c.Name, c.Type)
		}
		if *c.Lower > *c.Upper {
			return domain.ErrSchema("%s.%s: lower bound %g exceeds upper bound %g", t.QualifiedName(), c.Name, *c.Lower, *c.Upper)
		}
	}
	if c.Cardinality < 0 {
		return domain.ErrSchema("%s.%s: cardinality must be >= 0", t.QualifiedName(), c.Name)
	}
	return nil
}

// Catalog maps table names to table metadata. It is read-only after construction.
type Catalog struct {
	Name   string // collection name
	Engine string // informational engine hint from the metadata file

	tables    []*Table
	byName    map[string]*Table
	ambiguous map[string]bool
}

// New builds a catalog from already-validated tables.
// Fails with SchemaError on duplicate qualified table names.
func New(name string, tables ...*Table) (*Catalog, error) {
	c := &Catalog{
		Name:      name,
		byName:    make(map[string]*Table),
		ambiguous: make(map[string]bool),
	}
	for _, t := range tables {
		if err := c.add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(t *Table) error {
	if t.index == nil {
		if err := t.build(); err != nil {
			return err
		}
	}
	qualified := strings.ToLower(t.QualifiedName())
	bare := strings.ToLower(t.Name)
	for _, existing := range c.tables {
		if strings.ToLower(existing.QualifiedName()) == qualified {
			return domain.ErrSchema("duplicate table %q", t.QualifiedName())
		}
		// A schema-less table owns its bare name outright.
		if (existing.Schema == "" || t.Schema == "") && strings.ToLower(existing.Name) == bare {
			return domain.ErrSchema("duplicate table %q", t.Name)
		}
	}
	c.tables = append(c.tables, t)
	c.byName[qualified] = t
	if t.Schema == "" {
		return nil
	}

	// The bare table name resolves only while it is unique across schemas.
	switch other, taken := c.byName[bare]; {
	case c.ambiguous[bare]:
	case taken && other != t:
		delete(c.byName, bare)
		c.ambiguous[bare] = true
	default:
		c.byName[bare] = t
	}
	return nil
}

// Tables returns all tables in declaration order.
func (c *Catalog) Tables() []*Table {
	out := make([]*Table, len(c.tables))
	copy(out, c.tables)
	return out
}

// Table resolves a bare or schema-qualified table name (case-insensitive).
func (c *Catalog) Table(name string) (*Table, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if t, ok := c.byName[key]; ok {
		return t, nil
	}
	if c.ambiguous[key] {
		return nil, domain.ErrValidation("table name %q is ambiguous; qualify it with a schema", name)
	}
	return nil, &domain.UnknownColumnError{Table: name}
}

// Lookup resolves a column of a table.
func (c *Catalog) Lookup(table, column string) (*Column, error) {
	t, err := c.Table(table)
	if err != nil {
		return nil, err
	}
	col, ok := t.Column(column)
	if !ok {
		return nil, &domain.UnknownColumnError{Table: t.QualifiedName(), Column: column}
	}
	return col, nil
}

// String renders a short human-readable summary of the catalog.
func (c *Catalog) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "collection %s (%d tables)", c.Name, len(c.tables))
	for _, t := range c.tables {
		fmt.Fprintf(&b, "\n  %s: %d columns, max_ids=%d", t.QualifiedName(), len(t.Columns), t.MaxIDs)
	}
	return b.String()
}
