package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Minute, cfg.Registry.InactivityTimeout)
	assert.Equal(t, 5*time.Second, cfg.Broadcast.SendTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Batching.Window)
	assert.Equal(t, "sqlite", cfg.Scheduler.Store)
	assert.Equal(t, []string{"compact", "detailed"}, cfg.Experiments["batch_summary_format"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"zero capacity", func(c *Config) { c.Registry.MaxConnections = 0 }},
		{"zero batching window", func(c *Config) { c.Batching.Window = 0 }},
		{"unknown store", func(c *Config) { c.Scheduler.Store = "etcd" }},
		{"redis store without url", func(c *Config) { c.Scheduler.Store = "redis" }},
		{"rescan slower than lookahead", func(c *Config) { c.Scheduler.RescanInterval = 2 * c.Scheduler.Lookahead }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"empty experiment", func(c *Config) { c.Experiments["empty"] = nil }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HERALD_HTTP_PORT", "9090")
	t.Setenv("HERALD_DATABASE_PATH", "/tmp/herald-test.db")
	t.Setenv("HERALD_BATCHING_WINDOW", "2s")
	t.Setenv("HERALD_REGISTRY_MAX_CONNECTIONS", "3")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/herald-test.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Batching.Window)
	assert.Equal(t, 3, cfg.Registry.MaxConnections)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host, "unset variables keep defaults")
}

func TestLoadFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("HERALD_HTTP_PORT", "not-a-number")

	_, err := LoadFromEnv()
	assert.ErrorIs(t, err, ErrParsingEnv)
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		path := writeConfig(t, "herald.yaml", `
http:
  port: 7070
batching:
  window: 30s
experiments:
  batch_summary_format: [a, b, c]
`)
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.HTTP.Port)
		assert.Equal(t, 30*time.Second, cfg.Batching.Window)
		assert.Equal(t, []string{"a", "b", "c"}, cfg.Experiments["batch_summary_format"])
		assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout, "absent keys keep defaults")
	})

	t.Run("json", func(t *testing.T) {
		path := writeConfig(t, "herald.json", `{"http": {"port": 6060}, "database": {"path": "/tmp/x.db", "timeout": "5s"}}`)
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.HTTP.Port)
		assert.Equal(t, 5*time.Second, cfg.Database.Timeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "bad.yaml", "http:\n  port: 70000\n")
		_, err := LoadFromFile(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("HERALD_HTTP_PORT", "9090")
	t.Setenv("HERALD_HTTP_HOST", "127.0.0.1")

	path := writeConfig(t, "herald.yaml", "http:\n  port: 7070\n")

	cfg, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port, "file wins over environment")
	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host, "environment wins over defaults")

	cfg, err = LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}
