package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"duckdp/internal/domain"
)

// HTTPStatus maps domain errors to HTTP status codes.
func HTTPStatus(err error) int {
	var (
		notFound    *domain.NotFoundError
		exhausted   *domain.BudgetExhaustedError
		validation  *domain.ValidationError
		schema      *domain.SchemaError
		unknown     *domain.UnknownColumnError
		unsupported *domain.UnsupportedQueryError
		groupBy     *domain.GroupByMismatchError
		unbounded   *domain.UnboundedColumnError
		invalid     *domain.InvalidBudgetError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &exhausted):
		return http.StatusForbidden
	case errors.As(err, &validation), errors.As(err, &schema), errors.As(err, &unknown),
		errors.As(err, &unsupported), errors.As(err, &groupBy), errors.As(err, &unbounded),
		errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
