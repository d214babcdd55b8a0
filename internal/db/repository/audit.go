package repository

import (
	"context"
	"database/sql"
	"fmt"

	"duckdp/internal/domain"
)

// defaultAuditLimit caps List when the caller passes no positive limit.
const defaultAuditLimit = 100

// AuditRepo stores one row per query attempt.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

var _ domain.AuditRepository = (*AuditRepo)(nil)

func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_audit (id, principal, session_id, query_id, sql_text, epsilon, status,
			error_message, rows_returned, suppressed, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Principal, e.Session, e.QueryID, e.SQL, e.Epsilon, e.Status,
		nullString(e.ErrorMessage), e.RowsReturned, e.Suppressed, e.DurationMs, formatTime(e.CreatedAt))
	return mapDBError(err)
}

// List returns the most recent entries first.
func (r *AuditRepo) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal, session_id, query_id, sql_text, epsilon, status,
			error_message, rows_returned, suppressed, duration_ms, created_at
		FROM query_audit
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			errMsg sql.NullString
			at     string
		)
		if err := rows.Scan(&e.ID, &e.Principal, &e.Session, &e.QueryID, &e.SQL, &e.Epsilon, &e.Status,
			&errMsg, &e.RowsReturned, &e.Suppressed, &e.DurationMs, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ErrorMessage = stringPtr(errMsg)
		if e.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
