package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/noise"
)

var envKeys = []string{
	"DUCKDP_EPSILON", "DUCKDP_TOTAL_BUDGET", "DUCKDP_MIN_GROUP_SIZE", "DUCKDP_MECHANISM",
	"DUCKDP_DELTA", "DUCKDP_PUSHDOWN", "DUCKDP_SCAN_WORKERS", "DUCKDP_LEDGER_PATH",
	"DUCKDP_BUDGET_RESET_CRON", "DUCKDP_META_PATH", "DUCKDP_DATA_PATH", "DUCKDP_TABLE", "LISTEN_ADDR", "PGWIRE_LISTEN_ADDR", "LOG_LEVEL", "ENV",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS",
	"AUTH_ISSUER_URL", "JWT_SECRET", "AUTH_AUDIENCE", "AUTH_NAME_CLAIM",
	"S3_KEY_ID", "S3_SECRET", "S3_ENDPOINT", "S3_REGION",
	"AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_KEY", "GCS_KEY_FILE",
}

// clearEnv blanks every variable LoadFromEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.InDelta(t, 1.0, cfg.Privacy.Epsilon, 0)
	assert.InDelta(t, 10.0, cfg.Privacy.TotalBudget, 0)
	assert.InDelta(t, 1e-5, cfg.Privacy.Delta, 0)
	assert.Equal(t, 5, cfg.Privacy.MinGroupSize)
	assert.True(t, cfg.Privacy.Pushdown)
	assert.Zero(t, cfg.Privacy.ScanWorkers)
	assert.Equal(t, noise.KindLaplace, cfg.MechanismKind())
	assert.Empty(t, cfg.Privacy.BudgetResetCron)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Empty(t, cfg.PGWireAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.InDelta(t, 20, cfg.RateLimitRPS, 0)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "sub", cfg.Auth.NameClaim)
	assert.False(t, cfg.Auth.Enabled())
	assert.Nil(t, cfg.S3KeyID)
	assert.False(t, cfg.HasS3Config())

	assert.Contains(t, cfg.Warnings, "authentication is not configured; all callers share the anonymous budget")
	assert.Contains(t, cfg.Warnings, "DUCKDP_LEDGER_PATH not set; spent budgets are lost on restart")
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("DUCKDP_EPSILON", "0.5")
	t.Setenv("DUCKDP_TOTAL_BUDGET", "3")
	t.Setenv("DUCKDP_MIN_GROUP_SIZE", "10")
	t.Setenv("DUCKDP_MECHANISM", "Gaussian")
	t.Setenv("DUCKDP_DELTA", "1e-6")
	t.Setenv("DUCKDP_PUSHDOWN", "off")
	t.Setenv("DUCKDP_SCAN_WORKERS", "4")
	t.Setenv("DUCKDP_LEDGER_PATH", "/tmp/ledger.sqlite")
	t.Setenv("DUCKDP_BUDGET_RESET_CRON", "@daily")
	t.Setenv("DUCKDP_META_PATH", "pums.yaml")
	t.Setenv("DUCKDP_DATA_PATH", " s3://bucket/pums.csv ")
	t.Setenv("DUCKDP_TABLE", "PUMS.PUMS")
	t.Setenv("PGWIRE_LISTEN_ADDR", " :5433 ")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("S3_KEY_ID", "key")
	t.Setenv("S3_SECRET", "secret")
	t.Setenv("S3_ENDPOINT", "s3.example.com")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "acct")
	t.Setenv("GCS_KEY_FILE", "/keys/gcs.json")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.InDelta(t, 0.5, cfg.Privacy.Epsilon, 0)
	assert.InDelta(t, 3, cfg.Privacy.TotalBudget, 0)
	assert.Equal(t, 10, cfg.Privacy.MinGroupSize)
	assert.Equal(t, noise.KindGaussian, cfg.MechanismKind())
	assert.InDelta(t, 1e-6, cfg.Privacy.Delta, 0)
	assert.False(t, cfg.Privacy.Pushdown)
	assert.Equal(t, 4, cfg.Privacy.ScanWorkers)
	assert.Equal(t, "/tmp/ledger.sqlite", cfg.LedgerPath)
	assert.Equal(t, "@daily", cfg.Privacy.BudgetResetCron)
	assert.Equal(t, "pums.yaml", cfg.MetaPath)
	assert.Equal(t, "s3://bucket/pums.csv", cfg.DataPath)
	assert.Equal(t, "PUMS.PUMS", cfg.Table)
	assert.Equal(t, ":5433", cfg.PGWireAddr)
	assert.True(t, cfg.Auth.Enabled())
	assert.False(t, cfg.Auth.OIDCEnabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.HasS3Config())
	assert.Empty(t, cfg.Warnings)

	creds := cfg.StorageCredentials()
	assert.Equal(t, "key", creds.S3KeyID)
	assert.Equal(t, "s3.example.com", creds.S3Endpoint)
	assert.Empty(t, creds.S3Region)
	assert.Equal(t, "acct", creds.AzureAccount)
	assert.Equal(t, "/keys/gcs.json", creds.GCSKeyFile)
}

func TestLoadFromEnv_InvalidPrivacy(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DUCKDP_EPSILON", "zero"},
		{"DUCKDP_EPSILON", "0"},
		{"DUCKDP_EPSILON", "-1"},
		{"DUCKDP_TOTAL_BUDGET", "Inf"},
		{"DUCKDP_DELTA", "1"},
		{"DUCKDP_MIN_GROUP_SIZE", "-2"},
		{"DUCKDP_MIN_GROUP_SIZE", "five"},
		{"DUCKDP_SCAN_WORKERS", "-1"},
		{"DUCKDP_MECHANISM", "exponential"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestLoadFromEnv_EpsilonAboveBudgetWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("DUCKDP_EPSILON", "5")
	t.Setenv("DUCKDP_TOTAL_BUDGET", "2")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Warnings)
	assert.Contains(t, cfg.Warnings[0], "exceeds DUCKDP_TOTAL_BUDGET")
}

func TestLoadFromEnv_OIDCNeedsAudience(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_ISSUER_URL", "https://issuer.example")
	_, err := LoadFromEnv()
	require.Error(t, err)

	t.Setenv("AUTH_AUDIENCE", "duckdp")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.OIDCEnabled())
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "authentication must be configured")

	t.Setenv("JWT_SECRET", "s3cret")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "DUCKDP_LEDGER_PATH")

	t.Setenv("DUCKDP_LEDGER_PATH", "/data/ledger.sqlite")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "CORS wildcard")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	require.NoError(t, LoadDotEnv("/nonexistent/.env"))
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nDUCKDP_TEST_A=plain\nexport DUCKDP_TEST_B=\"quoted value\"\nDUCKDP_TEST_C='single'\nnot a pair\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	t.Setenv("DUCKDP_TEST_A", "")
	t.Setenv("DUCKDP_TEST_B", "")
	t.Setenv("DUCKDP_TEST_C", "")
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "plain", os.Getenv("DUCKDP_TEST_A"))
	assert.Equal(t, "quoted value", os.Getenv("DUCKDP_TEST_B"))
	assert.Equal(t, "single", os.Getenv("DUCKDP_TEST_C"))
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("DUCKDP_TEST_PRECEDENCE", "from_env")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DUCKDP_TEST_PRECEDENCE=from_file\n"), 0o600))
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "from_env", os.Getenv("DUCKDP_TEST_PRECEDENCE"))
}
