// Package config defines the top-level configuration for the bond marketplace
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BONDMARKET_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Trading  TradingConfig  `toml:"trading"`
	Notify   NotifyConfig   `toml:"notify"`
	Seed     SeedConfig     `toml:"seed"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	// RateLimit is requests per RateWindow per client IP; zero disables
	// API rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend exists for demos
	// and tests; it loses all state on restart.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	TxTimeout     duration `toml:"tx_timeout"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: when Addr
// is empty the service runs without caching, rate limiting, and the live feed.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for statement
// archives. Optional: when Bucket is empty archival is disabled.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds order executor parameters.
type TradingConfig struct {
	// MaxOrderQuantity caps units per order; zero disables the cap.
	MaxOrderQuantity int64 `toml:"max_order_quantity"`

	// NonAtomic switches the executor to the compensation-based write path
	// for storage without multi-entity transactions. Leave false unless the
	// backend genuinely cannot provide transactions.
	NonAtomic bool `toml:"non_atomic"`

	// ConflictRetries bounds how often a trade is retried after a storage
	// write conflict.
	ConflictRetries int `toml:"conflict_retries"`

	// RetryBackoff is the base delay between conflict retries.
	RetryBackoff duration `toml:"retry_backoff"`
}

// NotifyConfig holds notification channel parameters.
type NotifyConfig struct {
	// EmailFrom enables the simulated email sender when non-empty.
	EmailFrom string `toml:"email_from"`

	// EmailLatency is the simulated gateway delay per message.
	EmailLatency duration `toml:"email_latency"`

	// WebhookURL enables the webhook sender when non-empty.
	WebhookURL string `toml:"webhook_url"`

	// Events filters which event types are delivered; empty allows all.
	Events []string `toml:"events"`
}

// SeedConfig holds demo-data seeding parameters for the seed mode.
type SeedConfig struct {
	// Bonds is how many demo bonds to create.
	Bonds int `toml:"bonds"`

	// UnitsPerBond is the initial sellable inventory per demo bond.
	UnitsPerBond int64 `toml:"units_per_bond"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Storage: StorageConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bondmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			TxTimeout:     duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bondmarket-statements",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			MaxOrderQuantity: 10000,
			NonAtomic:        false,
			ConflictRetries:  3,
			RetryBackoff:     duration{50 * time.Millisecond},
		},
		Notify: NotifyConfig{
			EmailFrom:    "noreply@bondmarket.local",
			EmailLatency: duration{2 * time.Second},
			Events:       []string{"trade_executed"},
		},
		Seed: SeedConfig{
			Bonds:        10,
			UnitsPerBond: 1000,
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"seed":    true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends enumerates the accepted values for StorageConfig.Backend.
var validBackends = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, seed, archive)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Postgres is only required when it is the selected backend.
	if strings.EqualFold(c.Storage.Backend, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis is optional; when configured the pool must be sane.
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is optional; when a bucket is set the endpoint and region must be too.
	if c.S3.Bucket != "" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when a bucket is configured")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when a bucket is configured")
		}
	}

	if c.Trading.MaxOrderQuantity < 0 {
		errs = append(errs, "trading: max_order_quantity must be >= 0")
	}
	if c.Trading.ConflictRetries < 0 {
		errs = append(errs, "trading: conflict_retries must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}

	if strings.EqualFold(c.Mode, "seed") {
		if c.Seed.Bonds < 1 {
			errs = append(errs, "seed: bonds must be >= 1")
		}
		if c.Seed.UnitsPerBond < 1 {
			errs = append(errs, "seed: units_per_bond must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
