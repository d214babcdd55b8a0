package domain

import "strings"

// ColumnType is the declared type of a column in the metadata catalog.
type ColumnType string

// TypeInt and friends enumerate the column types accepted in metadata files.
const (
	TypeInt     ColumnType = "int"
	TypeFloat   ColumnType = "float"
	TypeBoolean ColumnType = "boolean"
	TypeString  ColumnType = "string"
	TypeText    ColumnType = "text"
)

// ParseColumnType maps a metadata type name to a ColumnType.
// A few common aliases are accepted ("integer", "double", "bool", ...).
func ParseColumnType(s string) (ColumnType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint":
		return TypeInt, true
	case "float", "double", "real", "numeric":
		return TypeFloat, true
	case "boolean", "bool":
		return TypeBoolean, true
	case "string", "varchar", "categorical":
		return TypeString, true
	case "text":
		return TypeText, true
	default:
		return "", false
	}
}

// ColumnKind groups column types by how they may be used in a query.
type ColumnKind int

// KindNumeric and friends classify column types.
const (
	KindNumeric     ColumnKind = iota // aggregatable when bounded
	KindCategorical                   // groupable
	KindText                          // countable only
)

func (k ColumnKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindCategorical:
		return "categorical"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Kind returns the usage class of the column type.
func (t ColumnType) Kind() ColumnKind {
	switch t {
	case TypeInt, TypeFloat:
		return KindNumeric
	case TypeBoolean, TypeString:
		return KindCategorical
	default:
		return KindText
	}
}

// IsNumeric returns true for int and float columns.
func (t ColumnType) IsNumeric() bool { return t.Kind() == KindNumeric }

// AggregateFunc is the closed set of aggregate functions the planner understands.
type AggregateFunc int

// AggCount and friends enumerate supported aggregates. The zero value is invalid.
const (
	AggCount AggregateFunc = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
)

// ParseAggregateFunc resolves a case-insensitive function name.
func ParseAggregateFunc(name string) (AggregateFunc, bool) {
	switch strings.ToUpper(name) {
	case "COUNT":
		return AggCount, true
	case "SUM":
		return AggSum, true
	case "AVG":
		return AggAvg, true
	case "MIN":
		return AggMin, true
	case "MAX":
		return AggMax, true
	default:
		return 0, false
	}
}

func (f AggregateFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "INVALID"
	}
}

// ValueType is the type of a result column.
type ValueType string

// ValueInt and friends enumerate result column types.
const (
	ValueInt    ValueType = "int"
	ValueFloat  ValueType = "float"
	ValueBool   ValueType = "boolean"
	ValueString ValueType = "string"
)

// ValueTypeOf returns the result type used to carry values of a column type.
func ValueTypeOf(t ColumnType) ValueType {
	switch t {
	case TypeInt:
		return ValueInt
	case TypeFloat:
		return ValueFloat
	case TypeBoolean:
		return ValueBool
	default:
		return ValueString
	}
}
