package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROADCASTQ_REMOTE_BASE_URL", "http://messaging.internal:9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Engine.MinPacing)
	assert.Equal(t, 10*time.Second, cfg.Engine.RecoveryPause)
	assert.Equal(t, 2*time.Minute, cfg.Engine.MaxRecoveryPause)
	assert.Equal(t, 5, cfg.Engine.DegradedAfter)
	assert.Equal(t, 15*time.Second, cfg.Remote.DispatchTimeout)
	assert.Equal(t, "@every 5s", cfg.Metrics.CollectSpec)
	assert.Equal(t, "http://messaging.internal:9000", cfg.Remote.BaseURL)
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broadcastq.yaml")
	yaml := `
server:
  port: 9090
  log_level: debug
redis:
  addr: localhost:6379
  status_ttl: 72h
engine:
  min_pacing: 5s
remote:
  base_url: http://from-file:8000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("BROADCASTQ_SERVER_PORT", "9191")
	t.Setenv("BROADCASTQ_ENGINE_RECOVERY_PAUSE", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 72*time.Hour, cfg.Redis.StatusTTL)
	assert.Equal(t, 5*time.Second, cfg.Engine.MinPacing)
	assert.Equal(t, 30*time.Second, cfg.Engine.RecoveryPause)
	assert.Equal(t, "http://from-file:8000", cfg.Remote.BaseURL)
}

func TestLoadValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("")
	require.Error(t, err, "base url is required")

	t.Setenv("BROADCASTQ_REMOTE_BASE_URL", "http://x:1")
	t.Setenv("BROADCASTQ_SERVER_LOG_LEVEL", "loud")
	_, err = Load("")
	assert.ErrorContains(t, err, "LogLevel")

	t.Setenv("BROADCASTQ_SERVER_LOG_LEVEL", "info")
	t.Setenv("BROADCASTQ_ENGINE_MAX_RECOVERY_PAUSE", "1s")
	_, err = Load("")
	assert.ErrorContains(t, err, "MaxRecoveryPause")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
