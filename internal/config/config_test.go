package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(3), cfg.Queue.MaxConcurrent)
	assert.Equal(t, 50, cfg.Queue.MaxQueueSize)
	assert.Equal(t, time.Second, cfg.Queue.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Queue.MaxBackoff)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 1, cfg.Admission.MaxPerTick)
	assert.Equal(t, 90*time.Second, cfg.Admission.LockTTL)
	assert.Equal(t, 48*time.Hour, cfg.Admission.DedupTTL)
	assert.Equal(t, 2*time.Minute, cfg.Admission.MinuteTTL)
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_GATE_REDIS", "redis.internal:6379")
	path := writeConfig(t, `
port: "9090"
store:
  backend: redis
  redis_addr: ${TEST_GATE_REDIS}
queue:
  max_concurrent: 5
  release_slot_during_backoff: true
admission:
  max_per_minute: 2
  max_trial_duration: 90m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Store.RedisAddr)
	assert.Equal(t, int64(5), cfg.Queue.MaxConcurrent)
	assert.True(t, cfg.Queue.ReleaseSlotDuringBackoff)
	assert.Equal(t, 50, cfg.Queue.MaxQueueSize, "unset fields keep their defaults")
	assert.Equal(t, int64(2), cfg.Admission.MaxPerMinute)
	assert.Equal(t, 90*time.Minute, cfg.Admission.MaxTrialDuration)

	ac := cfg.ToAdmission()
	assert.Equal(t, 90*time.Minute, ac.MaxTrialDuration)
	dc := cfg.ToDispatcher()
	assert.True(t, dc.ReleaseSlotDuringBackoff)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("STORAGE_PATH", "/tmp/gate.db")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_PER_MINUTE", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/gate.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, int64(7), cfg.Admission.MaxPerMinute)

	up := cfg.ToUpstream()
	assert.Equal(t, "sk-test", up.APIKey)
	assert.NotEmpty(t, up.Version)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "queue: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("MAX_PER_MINUTE", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "MAX_PER_MINUTE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = BackendSQLite; c.Store.Path = "" }, "store.path"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis; c.Store.RedisAddr = "" }, "redis_addr"},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero queue", func(c *Config) { c.Queue.MaxQueueSize = 0 }, "max_queue_size"},
		{"inverted backoff", func(c *Config) { c.Queue.MaxBackoff = c.Queue.BaseBackoff / 2 }, "backoff"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "max_retries"},
		{"zero per tick", func(c *Config) { c.Admission.MaxPerTick = 0 }, "max_per_tick"},
		{"negative quota", func(c *Config) { c.Admission.MaxTotal = -1 }, "must not be negative"},
		{"short minute ttl", func(c *Config) { c.Admission.MinuteTTL = 30 * time.Second }, "minute_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
