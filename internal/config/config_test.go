package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Second, cfg.Worker.TickInterval)
	require.Equal(t, 50, cfg.Worker.BatchSize)
	require.Equal(t, 10*time.Second, cfg.Worker.ExchangeCallTimeout)
	require.Equal(t, "sim", cfg.Exchange.Provider)
}

func TestLoadEmptyFilenameUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Worker.PoolSize)
	require.Equal(t, ":8080", cfg.System.APIListenAddr)
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/bots.db")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
worker:
  tick_interval: 2s
  batch_size: 25
store:
  database_path: ${TEST_DB_PATH}
system:
  log_level: DEBUG
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Worker.TickInterval)
	require.Equal(t, 25, cfg.Worker.BatchSize)
	require.Equal(t, "/tmp/bots.db", cfg.Store.DatabasePath)
	require.Equal(t, "DEBUG", cfg.System.LogLevel)
	// Untouched sections keep their defaults.
	require.Equal(t, 5, cfg.Worker.OrderMaxRetries)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("WORKER_ORDER_MAX_RETRIES", "3")
	t.Setenv("WORKER_ORDER_BACKOFF_BASE_MS", "250")
	t.Setenv("EXCHANGE_PROVIDER", "sim")

	cfg, err := Load("")
	require.NoError(t, err)
	require.False(t, cfg.Worker.Enabled)
	require.Equal(t, 3, cfg.Worker.OrderMaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.Worker.OrderBackoffBase)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.System.LogLevel = "LOUD"
	cfg.Worker.TickInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "system.log_level")
	require.Contains(t, err.Error(), "worker.tick_interval")
}

func TestValidateRealExchangePreflight(t *testing.T) {
	cfg := Default()
	cfg.Exchange.UseRealExchange = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exchange.provider")
	require.Contains(t, err.Error(), "exchange.gateway_base_url")

	cfg.Exchange.Provider = "real"
	cfg.Exchange.GatewayBaseURL = "http://localhost:3001"
	require.NoError(t, cfg.Validate())
}

func TestValidateMainnetNeedsEncryptionKey(t *testing.T) {
	cfg := Default()
	cfg.Exchange.AllowMainnet = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials_encryption_key")
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.System.CredentialsEncryptionKey = Secret("super-secret-key")
	cfg.Alerting.SlackWebhookURL = Secret("https://hooks.slack.com/services/T0/B0/xyz")

	out := cfg.String()
	require.NotContains(t, out, "super-secret-key")
	require.NotContains(t, out, "hooks.slack.com")
	require.True(t, strings.Contains(out, "[REDACTED]"))
}
