package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", "device.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "device.db", cfg.Database.Path)
	assert.Equal(t, "seedtrack", cfg.Database.Database)
}

func TestDefaultSyncConfig(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "http://primary:3001")
	t.Setenv("SYNC_FALLBACK_URL", "")
	t.Setenv("SYNC_MAX_ATTEMPTS", "7")

	cfg := DefaultSyncConfig()

	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.ClockInterval())
	assert.Equal(t, 5*time.Minute, cfg.SkewThreshold())
	assert.Equal(t, 4*time.Hour, cfg.BundleWarningWindow())
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "http://primary:3001", cfg.Routes[0].URL)
	assert.Equal(t, 1, cfg.Routes[0].Priority)
}

func TestLoadSyncConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	content := `
max_attempts: 3
retry_base_ms: 50
retry_max_delay_ms: 10
drain_workers: 0
routes:
  - url: http://edge:3001
    type: primary
    timeout: 5
    priority: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBase())
	// max delay never falls below the base delay
	assert.Equal(t, 50*time.Millisecond, cfg.RetryMaxDelay())
	assert.Equal(t, 1, cfg.DrainWorkers)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "http://edge:3001", cfg.Routes[0].URL)
}

func TestLoadSyncConfigFromJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"erp_cache_ttl": 60, "auto_resolve_non_critical": true}`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.ERPCacheTTLDuration())
	assert.True(t, cfg.AutoResolveNonCritical)
}

func TestLoadSyncConfigBadFile(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadSyncConfig()
	require.Error(t, err)
}
