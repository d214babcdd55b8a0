// Package api serves differentially private queries over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"duckdp/internal/budget"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/metadata"
	"duckdp/internal/middleware"
	"duckdp/internal/result"
)

// maxBodyBytes caps request bodies; queries are short.
const maxBodyBytes = 1 << 20

// Handler implements the /v1 endpoints.
type Handler struct {
	reader         *engine.PrivateReader
	registry       *budget.Registry
	audit          domain.AuditRepository
	defaultEpsilon float64
	logger         *slog.Logger
}

// NewHandler creates a Handler. audit may be nil, which disables GET /v1/audit.
func NewHandler(reader *engine.PrivateReader, registry *budget.Registry, audit domain.AuditRepository, defaultEpsilon float64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		reader:         reader,
		registry:       registry,
		audit:          audit,
		defaultEpsilon: defaultEpsilon,
		logger:         logger,
	}
}

// QueryRequest is the body of POST /v1/query and POST /v1/explain.
type QueryRequest struct {
	SQL     string   `json:"sql"`
	Epsilon *float64 `json:"epsilon,omitempty"`
}

// QueryResponse is a released result plus the caller's remaining budget.
type QueryResponse struct {
	Columns   []result.Column `json:"columns"`
	Rows      [][]any         `json:"rows"`
	RowCount  int             `json:"row_count"`
	Epsilon   float64         `json:"epsilon"`
	Remaining float64         `json:"remaining_budget"`
}

// BudgetResponse reports a principal's budget.
type BudgetResponse struct {
	Principal string        `json:"principal"`
	Session   string        `json:"session"`
	Total     float64       `json:"total"`
	Spent     float64       `json:"spent"`
	Remaining float64       `json:"remaining"`
	History   []BudgetSpend `json:"history"`
}

// BudgetSpend is one ledger entry; refunds have negative epsilon.
type BudgetSpend struct {
	QueryID string  `json:"query_id"`
	Query   string  `json:"query"`
	Epsilon float64 `json:"epsilon"`
	At      string  `json:"at"`
}

// TableInfo describes a queryable table.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes one column. Private id columns are listed so callers
// know not to use them.
type ColumnInfo struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Nullable  bool     `json:"nullable"`
	Lower     *float64 `json:"lower,omitempty"`
	Upper     *float64 `json:"upper,omitempty"`
	PrivateID bool     `json:"private_id,omitempty"`
}

// Query handles POST /v1/query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	session, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.reader.Execute(r.Context(), session, req.SQL, *req.Epsilon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rows := res.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Columns:   res.Columns,
		Rows:      rows,
		RowCount:  len(rows),
		Epsilon:   *req.Epsilon,
		Remaining: session.Remaining(),
	})
}

// Explain handles POST /v1/explain. No budget is spent.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.reader.Explain(req.SQL, *req.Epsilon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Budget handles GET /v1/budget for the calling principal.
func (h *Handler) Budget(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewBudgetResponse(principalName(r), session))
}

// NewBudgetResponse reports session as the budget of principal.
func NewBudgetResponse(principal string, session *budget.Session) BudgetResponse {
	resp := BudgetResponse{
		Principal: principal,
		Session:   session.ID(),
		Total:     session.Total(),
		Spent:     session.Spent(),
		Remaining: session.Remaining(),
		History:   []BudgetSpend{},
	}
	for _, s := range session.History() {
		resp.History = append(resp.History, BudgetSpend{
			QueryID: s.QueryID,
			Query:   s.Query,
			Epsilon: s.Epsilon,
			At:      s.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return resp
}

// NewTableInfos describes every table of cat.
func NewTableInfos(cat *metadata.Catalog) []TableInfo {
	tables := cat.Tables()
	out := make([]TableInfo, 0, len(tables))
	for _, t := range tables {
		info := TableInfo{Name: t.QualifiedName(), Columns: make([]ColumnInfo, 0, len(t.Columns))}
		for _, c := range t.Columns {
			info.Columns = append(info.Columns, ColumnInfo{
				Name:      c.Name,
				Type:      string(c.Type),
				Nullable:  c.Nullable,
				Lower:     c.Lower,
				Upper:     c.Upper,
				PrivateID: c.PrivateID,
			})
		}
		out = append(out, info)
	}
	return out
}

// Tables handles GET /v1/tables.
func (h *Handler) Tables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewTableInfos(h.reader.Catalog()))
}

// Audit handles GET /v1/audit?limit=N.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeError(w, r, domain.ErrNotFound("audit log is not configured"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrValidation("limit must be a non-negative integer, got %q", v))
			return
		}
		limit = n
	}
	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodeQuery(r *http.Request) (*QueryRequest, error) {
	var req QueryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrValidation("request body is required")
		}
		return nil, domain.ErrValidation("invalid request body: %v", err)
	}
	if req.SQL == "" {
		return nil, domain.ErrValidation("sql is required")
	}
	if req.Epsilon == nil {
		eps := h.defaultEpsilon
		req.Epsilon = &eps
	}
	return &req, nil
}

func (h *Handler) session(r *http.Request) (*budget.Session, error) {
	s, err := h.registry.Session(r.Context(), principalName(r))
	if err != nil {
		return nil, fmt.Errorf("load budget session: %w", err)
	}
	return s, nil
}

func principalName(r *http.Request) string {
	if p, ok := domain.PrincipalFromContext(r.Context()); ok && p.Name != "" {
		return p.Name
	}
	return budget.AnonymousPrincipal
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	requestID := middleware.RequestIDFromContext(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Code: status, Message: msg, RequestID: requestID})
}
