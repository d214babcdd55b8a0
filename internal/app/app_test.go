package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/budget"
	"duckdp/internal/config"
	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/noise"
)

const pumsQuery = "SELECT married, COUNT(*) AS n FROM PUMS.PUMS GROUP BY married"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		MetaPath: filepath.Join("..", "engine", "testdata", "PUMS.yaml"),
		DataPath: filepath.Join("..", "engine", "testdata", "PUMS.csv"),
		Privacy: config.PrivacyConfig{
			Epsilon:      1,
			TotalBudget:  3,
			MinGroupSize: 5,
			Mechanism:    "laplace",
			Delta:        1e-5,
		},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		Auth:           config.AuthConfig{NameClaim: "sub"},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(t.Context(), Deps{Cfg: cfg, Mechanism: noise.NewLaplace(noise.NewSeededSource(7))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_Sources(t *testing.T) {
	for _, pushdown := range []bool{false, true} {
		name := "memory"
		if pushdown {
			name = "duckdb"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Privacy.Pushdown = pushdown
			a := newApp(t, cfg)

			assert.Equal(t, "PUMS.PUMS", a.Table.QualifiedName())
			assert.Equal(t, 1000, a.Source.RowCount())
			assert.Nil(t, a.Ledger)

			s, err := a.Registry.Session(t.Context(), budget.AnonymousPrincipal)
			require.NoError(t, err)
			res, err := a.Reader.Execute(t.Context(), s, pumsQuery, 1)
			require.NoError(t, err)
			assert.Len(t, res.Rows, 2)
			assert.InDelta(t, 1.0, s.Spent(), 1e-9)
		})
	}
}

func TestNew_LedgerSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerPath = filepath.Join(t.TempDir(), "ledger.sqlite")

	a, err := New(t.Context(), Deps{Cfg: cfg})
	require.NoError(t, err)
	require.NotNil(t, a.Ledger)
	ctx := domain.WithPrincipal(t.Context(), domain.ContextPrincipal{Name: "alice", Type: "jwt"})
	s, err := a.Registry.Session(ctx, "alice")
	require.NoError(t, err)
	_, err = a.Reader.Execute(ctx, s, pumsQuery, 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := newApp(t, cfg)
	s, err = b.Registry.Session(t.Context(), "alice")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, s.Spent(), 1e-9)

	_, err = b.Reader.Execute(t.Context(), s, pumsQuery, 2)
	var exhausted *domain.BudgetExhaustedError
	require.ErrorAs(t, err, &exhausted)

	entries, err := b.Audit.List(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "REJECTED", entries[0].Status)
	assert.Equal(t, "ANSWERED", entries[1].Status)
	assert.Equal(t, "alice", entries[1].Principal)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no metadata", func(c *config.Config) { c.MetaPath = "" }, "metadata path is required"},
		{"no data", func(c *config.Config) { c.DataPath = "" }, "data path is required"},
		{"unknown table", func(c *config.Config) { c.Table = "PUMS.other" }, "other"},
		{"missing data file", func(c *config.Config) { c.DataPath = filepath.Join(t.TempDir(), "none.csv") }, "none.csv"},
		{"bad ledger dir", func(c *config.Config) { c.LedgerPath = filepath.Join(t.TempDir(), "missing", "x.sqlite") }, "open ledger"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(cfg)
			_, err := New(t.Context(), Deps{Cfg: cfg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSelectTable(t *testing.T) {
	cat, err := metadata.Parse([]byte(`
Collection:
  s:
    a:
      v: {type: int, lower: 0, upper: 1}
    b:
      v: {type: int, lower: 0, upper: 1}
`))
	require.NoError(t, err)

	_, err = SelectTable(cat, "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "2 tables")

	tbl, err := SelectTable(cat, "s.b")
	require.NoError(t, err)
	assert.Equal(t, "s.b", tbl.QualifiedName())
}

func TestValidator(t *testing.T) {
	v, err := Validator(t.Context(), config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Validator(t.Context(), config.AuthConfig{JWTSecret: "s3cret"})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "jwt", v.Kind())
}

func TestRouter(t *testing.T) {
	a := newApp(t, testConfig(t))
	r := a.Router(t.Context(), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tables", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PUMS.PUMS")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Private query")
}

func TestPGWire(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	pg, err := a.PGWire(nil)
	require.NoError(t, err)
	assert.Nil(t, pg)

	cfg.PGWireAddr = "127.0.0.1:0"
	pg, err = a.PGWire(nil)
	require.NoError(t, err)
	require.NotNil(t, pg)
	require.NoError(t, pg.Start())

	conn, err := net.DialTimeout("tcp", pg.Addr(), time.Second)
	require.NoError(t, err)
	_ = conn.Close()
	require.NoError(t, pg.Shutdown(t.Context()))
}

func TestRenewer(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	r, err := a.Renewer()
	require.NoError(t, err)
	assert.Nil(t, r)

	cfg.Privacy.BudgetResetCron = "@daily"
	r, err = a.Renewer()
	require.NoError(t, err)
	require.NotNil(t, r)
	r.Stop()

	cfg.Privacy.BudgetResetCron = "not a schedule"
	_, err = a.Renewer()
	require.Error(t, err)
}

func TestServeListener(t *testing.T) {
	a := newApp(t, testConfig(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
