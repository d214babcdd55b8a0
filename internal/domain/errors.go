// Package domain defines core types, interfaces, and errors for private query execution.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input that is not a query or schema problem.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// SchemaError indicates malformed metadata or data that does not match it.
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string { return e.Message }

// UnknownColumnError indicates an identifier that does not resolve in the catalog.
// Column is empty when the table itself is unknown.
type UnknownColumnError struct {
	Table  string
	Column string
}

func (e *UnknownColumnError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("unknown table %q", e.Table)
	}
	return fmt.Sprintf("unknown column %q in table %q", e.Column, e.Table)
}

// UnsupportedQueryError indicates SQL outside the supported aggregation dialect.
type UnsupportedQueryError struct {
	Message string
}

func (e *UnsupportedQueryError) Error() string { return e.Message }

// GroupByMismatchError indicates a selected plain column missing from GROUP BY.
type GroupByMismatchError struct {
	Column string
}

func (e *GroupByMismatchError) Error() string {
	return fmt.Sprintf("column %q must appear in GROUP BY or be used in an aggregate", e.Column)
}

// UnboundedColumnError indicates an aggregate over a column without lower/upper bounds.
type UnboundedColumnError struct {
	Table    string
	Column   string
	Function string
}

func (e *UnboundedColumnError) Error() string {
	return fmt.Sprintf("%s(%s) requires lower and upper bounds on %s.%s", e.Function, e.Column, e.Table, e.Column)
}

// InvalidBudgetError indicates a non-positive or non-finite privacy parameter.
type InvalidBudgetError struct {
	Message string
}

func (e *InvalidBudgetError) Error() string { return e.Message }

// BudgetExhaustedError indicates that a spend would exceed the session total.
type BudgetExhaustedError struct {
	Session   string
	Requested float64
	Spent     float64
	Total     float64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("privacy budget exhausted for session %s: requested epsilon %g, spent %g of %g",
		e.Session, e.Requested, e.Spent, e.Total)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrSchema creates a SchemaError with a formatted message.
func ErrSchema(format string, args ...interface{}) *SchemaError {
	return &SchemaError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnsupported creates an UnsupportedQueryError with a formatted message.
func ErrUnsupported(format string, args ...interface{}) *UnsupportedQueryError {
	return &UnsupportedQueryError{Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidBudget creates an InvalidBudgetError with a formatted message.
func ErrInvalidBudget(format string, args ...interface{}) *InvalidBudgetError {
	return &InvalidBudgetError{Message: fmt.Sprintf(format, args...)}
}
