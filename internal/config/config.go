package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DefaultSite string `mapstructure:"DEFAULT_SITE"`

	RedisURL      string   `mapstructure:"REDIS_URL"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string   `mapstructure:"KAFKA_TOPIC"`
	IDScheme      string   `mapstructure:"ID_SCHEME"`
	IDMaxAttempts int      `mapstructure:"ID_MAX_ATTEMPTS"`

	BulkWorkers         int           `mapstructure:"BULK_WORKERS"`
	BulkConflictRetries int           `mapstructure:"BULK_CONFLICT_RETRIES"`
	WriteTimeout        time.Duration `mapstructure:"WRITE_TIMEOUT"`
	ExpiryWindow        time.Duration `mapstructure:"SPECIMEN_EXPIRY_WINDOW"`
	ExpiryPolicy        string        `mapstructure:"EXPIRY_POLICY"`
	SweepInterval       time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	SweepBatch          int           `mapstructure:"EXPIRY_SWEEP_BATCH"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "DEFAULT_SITE",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "ID_SCHEME", "ID_MAX_ATTEMPTS",
	"BULK_WORKERS", "BULK_CONFLICT_RETRIES", "WRITE_TIMEOUT", "SPECIMEN_EXPIRY_WINDOW",
	"EXPIRY_POLICY", "EXPIRY_SWEEP_INTERVAL", "EXPIRY_SWEEP_BATCH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/lis.db")
	v.SetDefault("DEFAULT_SITE", "main")
	v.SetDefault("KAFKA_TOPIC", "lis.specimen.events")
	v.SetDefault("ID_SCHEME", "") // "" -> sequence with Redis, random without
	v.SetDefault("ID_MAX_ATTEMPTS", 5)
	v.SetDefault("BULK_WORKERS", 8)
	v.SetDefault("BULK_CONFLICT_RETRIES", 3)
	v.SetDefault("WRITE_TIMEOUT", "5s")
	v.SetDefault("SPECIMEN_EXPIRY_WINDOW", "168h")
	v.SetDefault("EXPIRY_POLICY", "sweep")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("EXPIRY_SWEEP_BATCH", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE is \"postgres\"")
	}
	return cfg, nil
}

// splitList normalizes a comma-separated setting. Env values arrive as one
// string; .env values may already be split.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, p := range parsed {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (every
// request is an admin dev user) and anything else means "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// ResolvedIDScheme returns the identifier scheme. Without an explicit
// ID_SCHEME, a configured Redis selects "sequence" and otherwise "random".
func (c *Config) ResolvedIDScheme() string {
	if c.IDScheme != "" {
		return c.IDScheme
	}
	if c.RedisURL != "" {
		return "sequence"
	}
	return "random"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("STORE must be \"postgres\", \"sqlite\", or \"memory\", got %q", c.Store)
	}

	switch c.ExpiryPolicy {
	case "sweep", "lazy", "off":
	default:
		return fmt.Errorf("EXPIRY_POLICY must be \"sweep\", \"lazy\", or \"off\", got %q", c.ExpiryPolicy)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV is \"production\"")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch scheme := c.ResolvedIDScheme(); scheme {
	case "random":
	case "sequence":
		// An in-process counter restarts at 1 and would collide with
		// identifiers already persisted.
		if c.RedisURL == "" && c.Store != "memory" {
			return fmt.Errorf("REDIS_URL is required for ID_SCHEME \"sequence\" with STORE %q", c.Store)
		}
	default:
		return fmt.Errorf("ID_SCHEME must be \"sequence\" or \"random\", got %q", scheme)
	}

	if c.ExpiryWindow <= 0 {
		return fmt.Errorf("SPECIMEN_EXPIRY_WINDOW must be positive, got %s", c.ExpiryWindow)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout)
	}
	if c.BulkWorkers < 1 {
		return fmt.Errorf("BULK_WORKERS must be at least 1, got %d", c.BulkWorkers)
	}
	if c.BulkConflictRetries < 0 {
		return fmt.Errorf("BULK_CONFLICT_RETRIES must not be negative, got %d", c.BulkConflictRetries)
	}
	if c.ExpiryPolicy == "sweep" && c.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive when EXPIRY_POLICY is \"sweep\"")
	}
	return nil
}
