package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"duckdp/internal/middleware"
)

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	Auth               middleware.AuthConfig
	RateLimit          middleware.RateLimitConfig
	CORSAllowedOrigins []string
	Logger             *slog.Logger
	// UI, when set, is mounted at "/" behind authentication.
	UI http.Handler
}

// NewRouter assembles the server's handler tree. ctx bounds the rate
// limiter's background eviction.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/openapi.json", h.OpenAPI)

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Auth))
		r.Use(limiter.Handler)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/query", h.Query)
			r.Post("/explain", h.Explain)
			r.Get("/budget", h.Budget)
			r.Get("/tables", h.Tables)
			r.Get("/audit", h.Audit)
		})
		if cfg.UI != nil {
			r.Mount("/", cfg.UI)
		}
	})
	return r
}
