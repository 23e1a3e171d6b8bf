package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BONDMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BONDMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "BONDMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BONDMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BONDMARKET_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BONDMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BONDMARKET_SERVER_RATE_WINDOW")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "BONDMARKET_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BONDMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BONDMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BONDMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BONDMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BONDMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BONDMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BONDMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BONDMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BONDMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BONDMARKET_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.TxTimeout, "BONDMARKET_POSTGRES_TX_TIMEOUT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BONDMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BONDMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BONDMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BONDMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BONDMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BONDMARKET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BONDMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BONDMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "BONDMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BONDMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BONDMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BONDMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BONDMARKET_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setInt64(&cfg.Trading.MaxOrderQuantity, "BONDMARKET_TRADING_MAX_ORDER_QUANTITY")
	setBool(&cfg.Trading.NonAtomic, "BONDMARKET_TRADING_NON_ATOMIC")
	setInt(&cfg.Trading.ConflictRetries, "BONDMARKET_TRADING_CONFLICT_RETRIES")
	setDuration(&cfg.Trading.RetryBackoff, "BONDMARKET_TRADING_RETRY_BACKOFF")

	// ── Notify ──
	setStr(&cfg.Notify.EmailFrom, "BONDMARKET_NOTIFY_EMAIL_FROM")
	setDuration(&cfg.Notify.EmailLatency, "BONDMARKET_NOTIFY_EMAIL_LATENCY")
	setStr(&cfg.Notify.WebhookURL, "BONDMARKET_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BONDMARKET_NOTIFY_EVENTS")

	// ── Seed ──
	setInt(&cfg.Seed.Bonds, "BONDMARKET_SEED_BONDS")
	setInt64(&cfg.Seed.UnitsPerBond, "BONDMARKET_SEED_UNITS_PER_BOND")

	// ── Top-level ──
	setStr(&cfg.Mode, "BONDMARKET_MODE")
	setStr(&cfg.LogLevel, "BONDMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
