// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"duckdp/internal/noise"
	"duckdp/internal/storage"
)

// AuthConfig holds bearer token authentication settings. With neither an
// issuer nor a secret configured every caller is the anonymous principal.
type AuthConfig struct {
	IssuerURL string // OIDC issuer URL; tokens are verified against its JWKS
	JWTSecret string // HS256 shared secret for local/dev tokens
	Audience  string // required audience (client ID) for OIDC tokens
	NameClaim string // claim naming the budget principal (default: "sub")
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != ""
}

// Enabled returns true when any bearer token verification is configured.
func (a *AuthConfig) Enabled() bool {
	return a.OIDCEnabled() || a.JWTSecret != ""
}

// Validate checks that the auth configuration is internally consistent.
func (a *AuthConfig) Validate() error {
	if a.IssuerURL != "" && a.Audience == "" {
		return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	return nil
}

// PrivacyConfig holds the differential privacy defaults.
type PrivacyConfig struct {
	Epsilon         float64 // per-query epsilon when the caller gives none (default 1.0)
	TotalBudget     float64 // total epsilon per budget session (default 10.0)
	MinGroupSize    int     // small-group suppression threshold, 0 disables (default 5)
	Mechanism       string  // "laplace" (default) or "gaussian"
	Delta           float64 // Gaussian delta (default 1e-5)
	Pushdown        bool    // compute exact aggregates inside DuckDB (default true)
	ScanWorkers     int     // in-process scan partitions, 0 = GOMAXPROCS
	BudgetResetCron string  // cron schedule that renews all budgets; empty disables
}

// Config holds the configuration for the CLI and the HTTP server.
type Config struct {
	Privacy PrivacyConfig

	MetaPath string // YAML table metadata
	DataPath string // CSV data: local path, s3://, gs:// or az:// URL
	Table    string // table to serve when the metadata declares several

	LedgerPath string // SQLite budget ledger and audit log; empty keeps budgets in memory
	ListenAddr string // HTTP listen address (default ":8080")
	PGWireAddr string // PostgreSQL wire listen address; empty disables the listener
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 20)
	RateLimitBurst int     // burst capacity (default 40)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	Auth AuthConfig

	// Object storage fields are optional; nil when not configured.
	S3KeyID      *string
	S3Secret     *string
	S3Endpoint   *string
	S3Region     *string
	AzureAccount *string
	AzureKey     *string
	GCSKeyFile   *string

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if static S3 credentials are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil
}

// StorageCredentials returns the object storage settings for data files.
func (c *Config) StorageCredentials() storage.Credentials {
	return storage.Credentials{
		S3KeyID:      deref(c.S3KeyID),
		S3Secret:     deref(c.S3Secret),
		S3Endpoint:   deref(c.S3Endpoint),
		S3Region:     deref(c.S3Region),
		AzureAccount: deref(c.AzureAccount),
		AzureKey:     deref(c.AzureKey),
		GCSKeyFile:   deref(c.GCSKeyFile),
	}
}

// MechanismKind returns the configured noise mechanism.
func (c *Config) MechanismKind() noise.Kind {
	k, err := noise.ParseKind(c.Privacy.Mechanism)
	if err != nil {
		return noise.KindLaplace
	}
	return k
}

// LoadFromEnv loads configuration from environment variables.
// Privacy parameters that do not parse or are out of range are errors;
// everything else falls back to its default.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaPath:   strings.TrimSpace(os.Getenv("DUCKDP_META_PATH")),
		DataPath:   strings.TrimSpace(os.Getenv("DUCKDP_DATA_PATH")),
		Table:      strings.TrimSpace(os.Getenv("DUCKDP_TABLE")),
		LedgerPath: os.Getenv("DUCKDP_LEDGER_PATH"),
		ListenAddr: os.Getenv("LISTEN_ADDR"),
		PGWireAddr: strings.TrimSpace(os.Getenv("PGWIRE_LISTEN_ADDR")),
		LogLevel:   os.Getenv("LOG_LEVEL"),
		Env:        os.Getenv("ENV"),
		Privacy: PrivacyConfig{
			Mechanism:       strings.TrimSpace(os.Getenv("DUCKDP_MECHANISM")),
			Pushdown:        parseBoolEnvDefault("DUCKDP_PUSHDOWN", true),
			BudgetResetCron: strings.TrimSpace(os.Getenv("DUCKDP_BUDGET_RESET_CRON")),
		},
	}

	var err error
	if cfg.Privacy.Epsilon, err = parseFloatEnv("DUCKDP_EPSILON", 1.0); err != nil {
		return nil, err
	}
	if cfg.Privacy.TotalBudget, err = parseFloatEnv("DUCKDP_TOTAL_BUDGET", 10.0); err != nil {
		return nil, err
	}
	if cfg.Privacy.Delta, err = parseFloatEnv("DUCKDP_DELTA", 1e-5); err != nil {
		return nil, err
	}
	if cfg.Privacy.MinGroupSize, err = parseIntEnv("DUCKDP_MIN_GROUP_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.Privacy.ScanWorkers, err = parseIntEnv("DUCKDP_SCAN_WORKERS", 0); err != nil {
		return nil, err
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// Object storage fields are optional; only set if present
	cfg.S3KeyID = optionalEnv("S3_KEY_ID")
	cfg.S3Secret = optionalEnv("S3_SECRET")
	cfg.S3Endpoint = optionalEnv("S3_ENDPOINT")
	cfg.S3Region = optionalEnv("S3_REGION")
	cfg.AzureAccount = optionalEnv("AZURE_STORAGE_ACCOUNT")
	cfg.AzureKey = optionalEnv("AZURE_STORAGE_KEY")
	cfg.GCSKeyFile = optionalEnv("GCS_KEY_FILE")

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Auth config
	cfg.Auth = AuthConfig{
		IssuerURL: os.Getenv("AUTH_ISSUER_URL"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Audience:  os.Getenv("AUTH_AUDIENCE"),
		NameClaim: os.Getenv("AUTH_NAME_CLAIM"),
	}
	if cfg.Auth.NameClaim == "" {
		cfg.Auth.NameClaim = "sub"
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 40
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.Privacy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Privacy.Epsilon > cfg.Privacy.TotalBudget {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"DUCKDP_EPSILON (%g) exceeds DUCKDP_TOTAL_BUDGET (%g); default-epsilon queries will be rejected",
			cfg.Privacy.Epsilon, cfg.Privacy.TotalBudget))
	}
	if cfg.Privacy.MinGroupSize == 0 {
		cfg.Warnings = append(cfg.Warnings, "DUCKDP_MIN_GROUP_SIZE is 0; small groups will not be suppressed")
	}
	if !cfg.Auth.Enabled() {
		cfg.Warnings = append(cfg.Warnings, "authentication is not configured; all callers share the anonymous budget")
	}
	if cfg.LedgerPath == "" {
		cfg.Warnings = append(cfg.Warnings, "DUCKDP_LEDGER_PATH not set; spent budgets are lost on restart")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Auth.Enabled() {
			return nil, fmt.Errorf("authentication must be configured in production (set AUTH_ISSUER_URL or JWT_SECRET)")
		}
		if cfg.LedgerPath == "" {
			return nil, fmt.Errorf("DUCKDP_LEDGER_PATH must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

// Validate checks the privacy parameters.
func (p *PrivacyConfig) Validate() error {
	if !positive(p.Epsilon) {
		return fmt.Errorf("DUCKDP_EPSILON must be a positive number, got %g", p.Epsilon)
	}
	if !positive(p.TotalBudget) {
		return fmt.Errorf("DUCKDP_TOTAL_BUDGET must be a positive number, got %g", p.TotalBudget)
	}
	if !(p.Delta > 0 && p.Delta < 1) {
		return fmt.Errorf("DUCKDP_DELTA must be in (0, 1), got %g", p.Delta)
	}
	if p.MinGroupSize < 0 {
		return fmt.Errorf("DUCKDP_MIN_GROUP_SIZE must be >= 0, got %d", p.MinGroupSize)
	}
	if p.ScanWorkers < 0 {
		return fmt.Errorf("DUCKDP_SCAN_WORKERS must be >= 0, got %d", p.ScanWorkers)
	}
	if _, err := noise.ParseKind(p.Mechanism); err != nil {
		return fmt.Errorf("DUCKDP_MECHANISM: %w", err)
	}
	return nil
}

func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0)
}

func parseFloatEnv(key string, defaultVal float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func parseIntEnv(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func optionalEnv(key string) *string {
	if v := os.Getenv(key); v != "" {
		return &v
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		// Environment variables take precedence.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
