package domain

import (
	"context"
	"time"
)

// BudgetEntry records one epsilon debit against a privacy budget session.
type BudgetEntry struct {
	ID        string
	Session   string
	QueryID   string
	Epsilon   float64
	Query     string
	CreatedAt time.Time
}

// BudgetLedger durably records epsilon debits.
// Implemented by repository.LedgerRepo.
type BudgetLedger interface {
	Append(ctx context.Context, e *BudgetEntry) error
	Spent(ctx context.Context, session string) (float64, error)
	List(ctx context.Context, session string) ([]BudgetEntry, error)
	Reset(ctx context.Context, session string) error
	// Sessions lists every session id with at least one entry.
	Sessions(ctx context.Context) ([]string, error)
}

// AuditEntry records one query execution attempt.
type AuditEntry struct {
	ID           string    `json:"id"`
	Principal    string    `json:"principal"`
	Session      string    `json:"session"`
	QueryID      string    `json:"query_id"`
	SQL          string    `json:"sql"`
	Epsilon      float64   `json:"epsilon"`
	Status       string    `json:"status"` // "ANSWERED", "REJECTED", "ERROR"
	ErrorMessage *string   `json:"error_message,omitempty"`
	RowsReturned int64     `json:"rows_returned"`
	Suppressed   int64     `json:"suppressed"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditRepository stores query audit entries.
// Implemented by repository.AuditRepo.
type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
