package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{"QUEUECTL_STORE_TYPE", "QUEUECTL_STORE_URI", "REDIS_URL", "RABBITMQ_URL", "QUEUECTL_CONFIG"} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "file:queue.db", cfg.Store.URI)
	assert.Equal(t, "noop", cfg.Statistics.Type)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 2.0, cfg.Queue.BackoffBase)
	assert.Equal(t, 1, cfg.Worker.Count)
	assert.Equal(t, time.Minute, cfg.Worker.JobTimeout.Std())
	assert.True(t, cfg.Worker.Shell)
	assert.Equal(t, 5*time.Minute, cfg.Reclaimer.StaleAfter.Std())
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  type: postgres
  uri: postgres://localhost/queuectl
queue:
  max_retries: 5
  backoff_base: 3
worker:
  count: 4
  poll_interval: 250ms
  job_timeout: 30
reclaimer:
  stale_after: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 3.0, cfg.Queue.BackoffBase)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Reclaimer.StaleAfter.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", "queue:\n  retries: 3\n", "field retries not found"},
		{"bad duration", "worker:\n  poll_interval: soon\n", "invalid duration"},
		{"invalid value", "worker:\n  count: 0\n", "worker.count"},
		{"live lock reclaim", "worker:\n  job_timeout: 10m\n", "reclaimer.stale_after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Worker.Count = 3
	cfg.Queue.MaxBackoff = Duration(time.Hour)
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_backoff: 1h0m0s")
}

func TestConfig_Set(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(t *testing.T, cfg *Config)
	}{
		{"worker.count", "8", func(t *testing.T, cfg *Config) { assert.Equal(t, 8, cfg.Worker.Count) }},
		{"max-retries", "5", func(t *testing.T, cfg *Config) { assert.Equal(t, 5, cfg.Queue.MaxRetries) }},
		{"backoff-base", "1.5", func(t *testing.T, cfg *Config) { assert.Equal(t, 1.5, cfg.Queue.BackoffBase) }},
		{"worker.poll-interval", "500ms", func(t *testing.T, cfg *Config) {
			assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval.Std())
		}},
		{"reclaimer.stale_after", "600", func(t *testing.T, cfg *Config) {
			assert.Equal(t, 10*time.Minute, cfg.Reclaimer.StaleAfter.Std())
		}},
		{"worker.shell", "false", func(t *testing.T, cfg *Config) { assert.False(t, cfg.Worker.Shell) }},
		{"store.uri", "file:/tmp/q.db", func(t *testing.T, cfg *Config) { assert.Equal(t, "file:/tmp/q.db", cfg.Store.URI) }},
		{"api.addr", "8081", func(t *testing.T, cfg *Config) { assert.Equal(t, "8081", cfg.API.Addr) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Set(tt.key, tt.value))
			tt.check(t, cfg)
		})
	}
}

func TestConfig_SetErrors(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown key", "worker.colour", "red"},
		{"section", "worker", "1"},
		{"type mismatch", "worker.count", "many"},
		{"invalid result", "queue.max_retries", "-1"},
		{"unknown store", "store.type", "mongo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.Set(tt.key, tt.value)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Equal(t, DefaultConfig(), cfg, "config must be unchanged on error")
		})
	}
}

func TestConfig_Get(t *testing.T) {
	cfg := DefaultConfig()

	v, err := cfg.Get("max-retries")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	v, err = cfg.Get("worker.job_timeout")
	require.NoError(t, err)
	assert.Equal(t, "1m0s", v)

	v, err = cfg.Get("api")
	require.NoError(t, err)
	assert.Contains(t, v, "addr:")
	assert.Contains(t, v, ":8080")

	_, err = cfg.Get("nope")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_ApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUECTL_STORE_TYPE", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("RABBITMQ_URL", "amqp://mq/")

	cfg := DefaultConfig()
	cfg.Statistics.Type = "rabbitmq"
	cfg.ApplyEnv()

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.URI)
	assert.Equal(t, "amqp://mq/", cfg.Statistics.URI)

	t.Setenv("QUEUECTL_STORE_URI", "redis://explicit:6379/0")
	cfg = DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "redis://explicit:6379/0", cfg.Store.URI)
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.BackoffBase = 3
	cfg.Queue.MaxBackoff = Duration(20 * time.Second)

	policy := cfg.Backoff()
	assert.Equal(t, 9*time.Second, policy.Delay(2))
	assert.Equal(t, 20*time.Second, policy.Delay(5))
	assert.True(t, policy.ShouldDie(4, 3))

	cfg.Queue.JitterPercent = 10
	_, ok := cfg.Backoff().(*backoff.Jitter)
	assert.True(t, ok)
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s"), &v))
	assert.Equal(t, 90*time.Second, v.D.Std())

	require.NoError(t, yaml.Unmarshal([]byte("d: 45"), &v))
	assert.Equal(t, 45*time.Second, v.D.Std())

	assert.Error(t, yaml.Unmarshal([]byte("d: [1]"), &v))

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "d: 45s\n", string(out))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("QUEUECTL_CONFIG", "/etc/queuectl.yaml")
	assert.Equal(t, "/etc/queuectl.yaml", DefaultPath())

	t.Setenv("QUEUECTL_CONFIG", "")
	assert.Contains(t, DefaultPath(), "queuectl")
}
