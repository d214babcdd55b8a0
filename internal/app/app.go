// Package app wires the catalog, data source, noise mechanism, budget
// registry and persistence into a ready PrivateReader. The CLI and the HTTP
// server both start from here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver for push-down sources

	"duckdp/internal/api"
	"duckdp/internal/budget"
	"duckdp/internal/config"
	"duckdp/internal/datasource"
	internaldb "duckdp/internal/db"
	"duckdp/internal/db/repository"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/metadata"
	"duckdp/internal/middleware"
	"duckdp/internal/noise"
	"duckdp/internal/pgwire"
	"duckdp/internal/storage"
	"duckdp/internal/ui"
)

// Deps holds what the caller must provide. Mechanism overrides the
// configured one; tests pass a seeded mechanism here.
type Deps struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Mechanism noise.Mechanism
}

// App holds the fully-wired query path.
type App struct {
	Catalog  *metadata.Catalog
	Table    *metadata.Table
	Source   datasource.DataSource
	Reader   *engine.PrivateReader
	Registry *budget.Registry

	// Ledger and Audit are nil when no ledger path is configured.
	Ledger *repository.LedgerRepo
	Audit  *repository.AuditRepo

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// New loads the metadata and data named by deps.Cfg and builds the reader.
// The caller must Close the returned App.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	if cfg == nil {
		return nil, domain.ErrValidation("config is required")
	}
	if cfg.MetaPath == "" {
		return nil, domain.ErrValidation("metadata path is required")
	}
	if cfg.DataPath == "" {
		return nil, domain.ErrValidation("data path is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{cfg: cfg, logger: logger}

	cat, err := metadata.Load(cfg.MetaPath)
	if err != nil {
		return nil, err
	}
	table, err := SelectTable(cat, cfg.Table)
	if err != nil {
		return nil, err
	}
	a.Catalog, a.Table = cat, table

	mech := deps.Mechanism
	if mech == nil {
		mech, err = noise.New(cfg.MechanismKind(), cfg.Privacy.Delta, noise.CryptoSource())
		if err != nil {
			return nil, err
		}
	}

	if err := a.openLedger(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.loadSource(ctx, table); err != nil {
		_ = a.Close()
		return nil, err
	}

	engCfg := engine.Config{
		Mechanism:    mech,
		MinGroupSize: cfg.Privacy.MinGroupSize,
		Pushdown:     cfg.Privacy.Pushdown,
		Workers:      cfg.Privacy.ScanWorkers,
		Logger:       logger,
	}
	var ledger domain.BudgetLedger
	if a.Ledger != nil {
		engCfg.Audit = a.Audit
		ledger = a.Ledger
	}
	if a.Reader, err = engine.NewPrivateReader(cat, a.Source, engCfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.Registry, err = budget.NewRegistry(cfg.Privacy.TotalBudget, ledger); err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("data source loaded",
		"table", table.QualifiedName(),
		"rows", a.Source.RowCount(),
		"pushdown", cfg.Privacy.Pushdown,
		"mechanism", string(mech.Kind()),
		"ledger", cfg.LedgerPath != "",
	)
	return a, nil
}

// SelectTable returns the table named by name, or the only table of cat
// when name is empty.
func SelectTable(cat *metadata.Catalog, name string) (*metadata.Table, error) {
	if name != "" {
		return cat.Table(name)
	}
	tables := cat.Tables()
	if len(tables) != 1 {
		return nil, domain.ErrValidation("metadata declares %d tables; choose one with --table or DUCKDP_TABLE", len(tables))
	}
	return tables[0], nil
}

func (a *App) openLedger() error {
	if a.cfg.LedgerPath == "" {
		return nil
	}
	db, err := internaldb.OpenSQLite(a.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.Ledger = repository.NewLedgerRepo(db)
	a.Audit = repository.NewAuditRepo(db)
	return nil
}

// loadSource reads the data into DuckDB when push-down is enabled and into
// memory otherwise.
func (a *App) loadSource(ctx context.Context, table *metadata.Table) error {
	opener := storage.NewOpener(a.cfg.StorageCredentials())

	if !a.cfg.Privacy.Pushdown {
		rc, err := opener.Open(ctx, a.cfg.DataPath)
		if err != nil {
			return err
		}
		defer rc.Close() //nolint:errcheck
		src, err := datasource.ReadCSV(rc, table)
		if err != nil {
			return err
		}
		a.Source = src
		return nil
	}

	local, cleanup, err := opener.Fetch(ctx, a.cfg.DataPath, os.TempDir())
	if err != nil {
		return err
	}
	defer cleanup()

	duckDB, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	a.closers = append(a.closers, duckDB.Close)
	src, err := datasource.LoadDuckDB(ctx, duckDB, local, table)
	if err != nil {
		return err
	}
	a.Source = src
	return nil
}

// Validator builds the bearer token validator selected by the auth
// settings. It returns nil when authentication is disabled.
func Validator(ctx context.Context, auth config.AuthConfig) (middleware.TokenValidator, error) {
	switch {
	case auth.OIDCEnabled():
		v, err := middleware.NewOIDCValidator(ctx, auth.IssuerURL, auth.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	case auth.JWTSecret != "":
		v, err := middleware.NewHS256Validator(auth.JWTSecret, auth.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, nil
	}
}

// Handler assembles the HTTP API and the query page. A nil validator
// leaves every caller anonymous.
func (a *App) Handler(validator middleware.TokenValidator) (*api.Handler, api.RouterConfig) {
	var audit domain.AuditRepository
	if a.Audit != nil {
		audit = a.Audit
	}
	h := api.NewHandler(a.Reader, a.Registry, audit, a.cfg.Privacy.Epsilon, a.logger)
	rc := api.RouterConfig{
		Auth: middleware.AuthConfig{
			Validator: validator,
			NameClaim: a.cfg.Auth.NameClaim,
			Logger:    a.logger,
		},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			Burst:             a.cfg.RateLimitBurst,
		},
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		Logger:             a.logger,
		UI: (&ui.Handler{
			Reader:         a.Reader,
			Registry:       a.Registry,
			DefaultEpsilon: a.cfg.Privacy.Epsilon,
			Production:     a.cfg.IsProduction(),
			Logger:         a.logger,
		}).Routes(),
	}
	return h, rc
}

// Router returns the server's complete handler tree. ctx bounds background
// work started for the router.
func (a *App) Router(ctx context.Context, validator middleware.TokenValidator) http.Handler {
	h, rc := a.Handler(validator)
	return api.NewRouter(ctx, h, rc)
}

// PGWire returns the PostgreSQL wire listener, or nil when no address is
// configured. It shares the HTTP server's validator and budgets.
func (a *App) PGWire(validator middleware.TokenValidator) (*pgwire.Server, error) {
	if a.cfg.PGWireAddr == "" {
		return nil, nil
	}
	return pgwire.NewServer(pgwire.Config{
		Addr:           a.cfg.PGWireAddr,
		Reader:         a.Reader,
		Registry:       a.Registry,
		Validator:      validator,
		NameClaim:      a.cfg.Auth.NameClaim,
		DefaultEpsilon: a.cfg.Privacy.Epsilon,
		Logger:         a.logger,
	})
}

// Renewer returns a started budget renewer when a reset schedule is
// configured, or nil.
func (a *App) Renewer() (*budget.Renewer, error) {
	if a.cfg.Privacy.BudgetResetCron == "" {
		return nil, nil
	}
	r, err := budget.NewRenewer(a.cfg.Privacy.BudgetResetCron, a.Registry, a.logger)
	if err != nil {
		return nil, err
	}
	r.Start()
	return r, nil
}

// Close releases the databases opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
