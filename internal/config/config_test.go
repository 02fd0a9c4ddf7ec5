package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_LEDGER_CREATOR", "0xcreator")
	t.Setenv("VAULT_LEDGER_SETTLER", "0xsettler")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Equal(t, uint64(500), cfg.Ingest.BatchSize)
	assert.Equal(t, uint64(2), cfg.Ingest.Confirmations)
	assert.Equal(t, 48*time.Hour, cfg.Ingest.SeenTTL)
	assert.Equal(t, int64(8), cfg.Execution.MaxInFlight)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Execution.Lease)
	assert.True(t, cfg.Venues.Paper)
	assert.Equal(t, "polymarket", cfg.Venues.Markets.Name)
	assert.Equal(t, "gmx", cfg.Venues.Hedges.Name)
	assert.Equal(t, "@every 1m", cfg.Cron.MaturityWatch)
	assert.False(t, cfg.Production())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
ingest:
  batch_size: 50
  poll_interval: 2s
execution:
  max_in_flight: 3
venues:
  markets:
    rate_per_second: 2.5
`), 0o600))
	t.Setenv("VAULT_EXECUTION_MAX_ATTEMPTS", "7")
	t.Setenv("VAULT_SERVER_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, uint64(50), cfg.Ingest.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Ingest.PollInterval)
	assert.Equal(t, int64(3), cfg.Execution.MaxInFlight)
	assert.Equal(t, 7, cfg.Execution.MaxAttempts)
	assert.Equal(t, 2.5, cfg.Venues.Markets.RatePerS)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidateServer(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.creator")

	setRequired(t)
	t.Setenv("VAULT_ENV", "production")
	t.Setenv("VAULT_AUTH_JWT_SECRET", "short")
	cfg, err = Load("")
	require.NoError(t, err)
	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	t.Setenv("VAULT_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err = Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateServer())
	assert.True(t, cfg.Production())
}

func TestValidateShared(t *testing.T) {
	t.Setenv("VAULT_VENUES_PAPER", "false")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue base URLs")

	t.Setenv("VAULT_VENUES_MARKETS_BASE_URL", "https://orders.example")
	t.Setenv("VAULT_VENUES_HEDGES_BASE_URL", "https://perps.example")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Venues.Paper)
}

func TestWorkerConfigNeedsNoLedgerPrincipals(t *testing.T) {
	t.Setenv("VAULT_INGEST_RPC_URL", "http://localhost:8545")
	cfg, err := Load("")
	require.NoError(t, err, "the worker never touches the ledger")
	assert.Empty(t, cfg.Ledger.Creator)
	assert.Equal(t, ":9091", cfg.Worker.Addr)
	assert.NotEqual(t, cfg.Server.Addr, cfg.Worker.Addr)
}
