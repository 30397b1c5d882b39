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
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err, "a missing config file falls back to defaults")

	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.Equal(t, DefaultJobAttempts, cfg.Queues.DefaultAttempts)
	assert.Equal(t, DefaultConcurrency, cfg.Queues.DefaultConcurrency)
	assert.Equal(t, DefaultMaxQueueSize, cfg.Queues.MaxSize)
	assert.Equal(t, DefaultTickInterval, cfg.Scheduler.TickInterval)
	assert.Equal(t, DefaultProgressTTL, cfg.Progress.TTL)
	assert.Greater(t, cfg.Queues.FailedRetention, cfg.Queues.CompletedRetention,
		"failed jobs are kept longer than completed ones")
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
debug: true
server:
  address: ":9090"
queues:
  default_attempts: 5
  backoff_base: 1s
scheduler:
  tick_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5, cfg.Queues.DefaultAttempts)
	assert.Equal(t, time.Second, cfg.Queues.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	path := writeConfig(t, `
redis:
  address: "file-redis:6379"
`)

	t.Setenv("REDIS_ADDRESS", "env-redis:6379")
	t.Setenv("QUEUE_DEFAULT_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Address)
	assert.Equal(t, 7, cfg.Queues.DefaultAttempts)
}

func TestValidateRejectsBadRetention(t *testing.T) {
	path := writeConfig(t, `
queues:
  completed_retention: 48h
  failed_retention: 1h
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed_retention")
}

func TestValidateRejectsSubSecondTick(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_interval: 100ms
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "tick_interval")
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.yml", GetConfigPath("config.yml"))

	t.Setenv("CONFIG_PATH", "/etc/orchestrator/config.yml")
	assert.Equal(t, "/etc/orchestrator/config.yml", GetConfigPath("config.yml"))
}
