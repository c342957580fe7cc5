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
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
vault:
  master_key: test-master-key
cache:
  redis_url: redis://localhost:6379/0
  default_ttl_seconds: 120
  sweep_interval_seconds: 30
trace:
  capacity: 500
pool:
  idle_timeout_seconds: 60
  reclaim_interval_seconds: 15
registry:
  token_secret: test-token-secret
  token_ttl_minutes: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "test-master-key", cfg.Vault.MasterKey)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL())
	assert.Equal(t, 30*time.Second, cfg.Cache.SweepInterval())
	assert.Equal(t, 500, cfg.Trace.Capacity)
	assert.Equal(t, time.Minute, cfg.Pool.IdleTimeout())
	assert.Equal(t, 30*time.Minute, cfg.Registry.TokenTTL())
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
vault:
  master_key: k
registry:
  token_secret: s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 10000, cfg.Cache.MemoryCapacity)
	assert.Equal(t, 1000, cfg.Trace.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout())
	assert.Equal(t, time.Hour, cfg.Registry.TokenTTL())
	assert.Zero(t, cfg.Cache.SweepInterval())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_VAULT_KEY", "from-env")
	path := writeConfig(t, `
vault:
  master_key: ${TEST_VAULT_KEY}
registry:
  token_secret: ${TEST_MISSING_SECRET:-fallback-secret}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Vault.MasterKey)
	assert.Equal(t, "fallback-secret", cfg.Registry.TokenSecret)
}

func TestLoadMissingMasterKeyFails(t *testing.T) {
	path := writeConfig(t, `
registry:
  token_secret: s
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	require.Error(t, err)
}
