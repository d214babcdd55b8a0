package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureRequestID(t *testing.T, header string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/budget", nil)
	if header != "" {
		req.Header.Set("X-Request-ID", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return captured, rec
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		preserve bool
	}{
		{"absent", "", false},
		{"plain", "req-42_A.b", true},
		{"max length", strings.Repeat("x", 128), true},
		{"too long", strings.Repeat("x", 129), false},
		{"newline", "id\nlevel=ERROR", false},
		{"carriage return", "id\rforged", false},
		{"space", "two words", false},
		{"markup", "<b>", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, rec := captureRequestID(t, tc.header)
			require.NotEmpty(t, id)
			assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
			if tc.preserve {
				assert.Equal(t, tc.header, id)
			} else {
				assert.NotEqual(t, tc.header, id)
			}
		})
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, RequestIDFromContext(req.Context()))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	req.Header.Set("X-Request-ID", "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "http request", line["msg"])
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/v1/query", line["path"])
	assert.InDelta(t, float64(http.StatusTeapot), line["status"], 0)
	assert.Equal(t, "abc", line["request_id"])
}
