package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"duckdp/internal/budget"
	"duckdp/internal/domain"
)

// AuthConfig configures Authenticate.
type AuthConfig struct {
	// Validator checks bearer tokens. Nil disables authentication and every
	// caller shares the anonymous principal.
	Validator TokenValidator
	// NameClaim selects the claim that names the principal (default "sub").
	NameClaim string
	Logger    *slog.Logger
}

// Authenticate resolves the caller's principal and stores it in the request
// context. With a validator configured, a missing or invalid bearer token is
// rejected with 401.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Validator == nil {
				ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{Name: budget.AnonymousPrincipal, Type: "anonymous"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			claims, err := cfg.Validator.Validate(r.Context(), token)
			if err != nil {
				logger.Debug("rejected token", "error", err, "request_id", RequestIDFromContext(r.Context()))
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			name := claims.Principal(cfg.NameClaim)
			if name == "" {
				writeUnauthorized(w, "token has no principal claim")
				return
			}

			ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{Name: name, Type: cfg.Validator.Kind()})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="duckdp"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusUnauthorized,
		"message": "unauthorized: " + msg,
	})
}
