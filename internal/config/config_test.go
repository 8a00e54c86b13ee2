package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"chain": {"rpcUrl": "http://file-rpc", "confirmations": 3, "custodyAddress": "0x1111111111111111111111111111111111111111"},
		"secrets": {"jwtSecret": "file-secret"},
		"retry": {"maxAttempts": 7, "initialBackoffMs": 100},
		"rates": {"fallbackRate": "420000"}
	}`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("CHAIN_RPC_URL", "http://env-rpc")
	t.Setenv("SETTLEMENT_MAX_WAIT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://env-rpc", cfg.Chain.RPCURL)
	assert.Equal(t, uint64(3), cfg.Chain.Confirmations)
	assert.Equal(t, "file-secret", cfg.Service.JWTSecret)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.SettlementMaxWait)
	assert.Equal(t, "420000", cfg.Rates.FallbackRate)
	assert.Equal(t, 5*time.Minute, cfg.Handshake.TTL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("JWT_SECRET", "s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.SettlementMaxWait)
	assert.Equal(t, "memory", cfg.Service.IdempotencyStore)
}

func TestValidate_RequiresSecretsAndKnownStore(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("IDEMPOTENCY_STORE", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "redis")
}
