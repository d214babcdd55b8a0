package repository

import (
	"context"
	"database/sql"
	"fmt"

	"duckdp/internal/domain"
)

// LedgerRepo persists budget debits so spent epsilon survives restarts.
type LedgerRepo struct {
	db *sql.DB
}

// NewLedgerRepo creates a LedgerRepo over a migrated store.
func NewLedgerRepo(db *sql.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

var _ domain.BudgetLedger = (*LedgerRepo)(nil)

// Append records one debit (or a refund, when Epsilon is negative).
func (r *LedgerRepo) Append(ctx context.Context, e *domain.BudgetEntry) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budget_ledger (id, session_id, query_id, epsilon, query, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Session, e.QueryID, e.Epsilon, e.Query, formatTime(e.CreatedAt))
	return mapDBError(err)
}

// Spent returns the net epsilon recorded for session, never negative.
func (r *LedgerRepo) Spent(ctx context.Context, session string) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(epsilon) FROM budget_ledger WHERE session_id = ?`, session).Scan(&total)
	if err != nil {
		return 0, mapDBError(err)
	}
	return max(total.Float64, 0), nil
}

// List returns the session's entries in the order they were recorded.
func (r *LedgerRepo) List(ctx context.Context, session string) ([]domain.BudgetEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, query_id, epsilon, query, created_at
		FROM budget_ledger
		WHERE session_id = ?
		ORDER BY created_at, rowid`, session)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.BudgetEntry
	for rows.Next() {
		var (
			e  domain.BudgetEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.QueryID, &e.Epsilon, &e.Query, &at); err != nil {
			return nil, fmt.Errorf("scan budget entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset deletes every entry of the session.
func (r *LedgerRepo) Reset(ctx context.Context, session string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM budget_ledger WHERE session_id = ?`, session)
	return mapDBError(err)
}

// Sessions lists every session id that has entries.
func (r *LedgerRepo) Sessions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM budget_ledger ORDER BY session_id`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
