// Package ui serves a small HTML page for running private queries from a
// browser.
package ui

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	gomponents "maragu.dev/gomponents"

	"duckdp/internal/api"
	"duckdp/internal/budget"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/result"
)

// maxDisplayRows caps the rows rendered in the result table.
const maxDisplayRows = 500

// Handler renders the query page.
type Handler struct {
	Reader         *engine.PrivateReader
	Registry       *budget.Registry
	DefaultEpsilon float64
	Production     bool
	Logger         *slog.Logger
}

// Routes returns the page's router. It expects the principal to be set in
// the request context by the caller's authentication middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.withCSRFCookie)
	r.Get("/", h.Home)
	r.With(h.checkCSRF).Post("/query", h.RunQuery)
	return r
}

// Home renders the empty form.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	state, err := h.pageState(r, "", h.DefaultEpsilon)
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderHTML(w, http.StatusOK, queryPage(state))
}

// RunQuery executes or explains the submitted query and renders the page
// with its outcome.
func (h *Handler) RunQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, domain.ErrValidation("invalid form: %v", err))
		return
	}
	sqlText := strings.TrimSpace(r.PostForm.Get("sql"))
	epsilon := h.DefaultEpsilon
	if v := strings.TrimSpace(r.PostForm.Get("epsilon")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			h.renderError(w, domain.ErrInvalidBudget("epsilon must be a number, got %q", v))
			return
		}
		epsilon = f
	}

	state, err := h.pageState(r, sqlText, epsilon)
	if err != nil {
		h.renderError(w, err)
		return
	}

	status := http.StatusOK
	switch {
	case sqlText == "":
		state.Error = "Enter a query."
		status = http.StatusBadRequest
	case r.PostForm.Get("action") == "explain":
		e, err := h.Reader.Explain(sqlText, epsilon)
		if err != nil {
			state.Error, status = err.Error(), api.HTTPStatus(err)
			break
		}
		state.Explanation = e
	default:
		res, err := h.Reader.Execute(r.Context(), state.session, sqlText, epsilon)
		if err != nil {
			state.Error, status = err.Error(), api.HTTPStatus(err)
			break
		}
		state.Result = res
	}
	renderHTML(w, status, queryPage(state))
}

func (h *Handler) pageState(r *http.Request, sqlText string, epsilon float64) (*pageState, error) {
	principal, ok := domain.PrincipalFromContext(r.Context())
	if !ok || principal.Name == "" {
		principal = domain.ContextPrincipal{Name: budget.AnonymousPrincipal, Type: "anonymous"}
	}
	session, err := h.Registry.Session(r.Context(), principal.Name)
	if err != nil {
		return nil, err
	}
	return &pageState{
		Principal: principal,
		SQL:       sqlText,
		Epsilon:   epsilon,
		Tables:    h.Reader.Catalog().Tables(),
		CSRF:      csrfInput(r),
		session:   session,
	}, nil
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	status := api.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if h.Logger != nil {
			h.Logger.Error("ui request failed", "error", err)
		}
		msg = "An unexpected error occurred."
	}
	var exhausted *domain.BudgetExhaustedError
	title := http.StatusText(status)
	if errors.As(err, &exhausted) {
		title = "Budget exhausted"
	}
	renderHTML(w, status, errorPage(title, msg))
}

func renderHTML(w http.ResponseWriter, status int, node gomponents.Node) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = node.Render(w)
}

func cellText(v any) string {
	if v == nil {
		return "NULL"
	}
	return result.FormatValue(v)
}
