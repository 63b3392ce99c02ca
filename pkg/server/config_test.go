package server

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
	assert.Equal(t, "127.0.0.1:7891", cfg.ListenAddr)
	assert.Empty(t, cfg.WebSocketAddr)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, 30, cfg.HistorySize)
	assert.Equal(t, 10*time.Millisecond, cfg.HistoryDelay)
	assert.Equal(t, 4096, cfg.MaxMessageLength)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Zero(t, cfg.WriteTimeout)
	assert.NotContains(t, cfg.DatabasePath, "~")
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// The generated file decodes back to the defaults
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), reloaded)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
host = "0.0.0.0"
tcp_port = 9000
ws_port = 9001
storage = "memory"

[limits]
history_size = 5
history_delay_ms = 0
idle_timeout_seconds = 60

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Server.Storage)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4096, cfg.Limits.MaxMessageLength, "unset keys keep their defaults")

	sc := cfg.ToServerConfig()
	assert.Equal(t, "0.0.0.0:9000", sc.ListenAddr)
	assert.Equal(t, "0.0.0.0:9001", sc.WebSocketAddr)
	assert.Equal(t, 5, sc.HistorySize)
	assert.Zero(t, sc.HistoryDelay)
	assert.Equal(t, time.Minute, sc.IdleTimeout)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	t.Setenv("MESSANGER_SERVER_TCP_PORT", "8080")
	t.Setenv("MESSANGER_SERVER_STORAGE", "memory")
	t.Setenv("MESSANGER_LIMITS_HISTORY_SIZE", "12")
	t.Setenv("MESSANGER_LOGGING_ENVIRONMENT", "development")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.TCPPort)
	assert.Equal(t, StorageMemory, cfg.Server.Storage)
	assert.Equal(t, 12, cfg.Limits.HistorySize)
	assert.Equal(t, "development", cfg.LoggerConfig().Environment)
}

func TestEnvOverrideMustParse(t *testing.T) {
	t.Setenv("MESSANGER_SERVER_TCP_PORT", "lots")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "server.toml"))
	assert.ErrorContains(t, err, "MESSANGER_SERVER_TCP_PORT")
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *TOMLConfig)
	}{
		{"port out of range", func(c *TOMLConfig) { c.Server.TCPPort = 70000 }},
		{"unknown storage", func(c *TOMLConfig) { c.Server.Storage = "postgres" }},
		{"sqlite without path", func(c *TOMLConfig) { c.Server.DatabasePath = " " }},
		{"negative history", func(c *TOMLConfig) { c.Limits.HistorySize = -1 }},
		{"negative timeout", func(c *TOMLConfig) { c.Limits.IdleTimeoutSeconds = -5 }},
		{"bcrypt cost too high", func(c *TOMLConfig) { c.Limits.BcryptCost = 40 }},
		{"unknown log level", func(c *TOMLConfig) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTOMLConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultTOMLConfig()
	assert.NoError(t, cfg.Validate())
}
