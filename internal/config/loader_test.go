package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "server"
log_level = "debug"

[server]
port = 9090

[storage]
backend = "memory"

[trading]
max_order_quantity = 500
retry_backoff = "100ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, int64(500), cfg.Trading.MaxOrderQuantity)
	assert.Equal(t, 100*time.Millisecond, cfg.Trading.RetryBackoff.Duration)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Trading.ConflictRetries)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8000
`)

	t.Setenv("BONDMARKET_SERVER_PORT", "7777")
	t.Setenv("BONDMARKET_STORAGE_BACKEND", "memory")
	t.Setenv("BONDMARKET_TRADING_NON_ATOMIC", "true")
	t.Setenv("BONDMARKET_POSTGRES_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.Trading.NonAtomic)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Storage.Backend = "sqlite"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown backend")
	assert.Contains(t, err.Error(), "port must be")
}

func TestValidateMemoryBackendSkipsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Backend = "memory"
	cfg.Postgres.Host = ""
	cfg.Postgres.Database = ""

	require.NoError(t, cfg.Validate())
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "secret-key"
	cfg.Postgres.Password = "pgpass"
	cfg.S3.SecretKey = "s3secret"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	// Original untouched.
	assert.Equal(t, "secret-key", cfg.Server.APIKey)
}
