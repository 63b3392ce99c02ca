package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/NexLiR/Messanger/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

// Storage backends accepted in [server] storage
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	Host         string `toml:"host"`
	TCPPort      int    `toml:"tcp_port"`
	WSPort       int    `toml:"ws_port"`      // 0 disables the WebSocket listener
	MetricsPort  int    `toml:"metrics_port"` // 0 disables /metrics and /health
	DatabasePath string `toml:"database_path"`
	Storage      string `toml:"storage"`
}

type LimitsSection struct {
	MaxMessageLength    int `toml:"max_message_length"`
	HistorySize         int `toml:"history_size"`
	HistoryDelayMs      int `toml:"history_delay_ms"`
	IdleTimeoutSeconds  int `toml:"idle_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	BcryptCost          int `toml:"bcrypt_cost"`
}

type LoggingSection struct {
	Level       string `toml:"level"`
	Environment string `toml:"environment"`
	File        string `toml:"file"`
}

// ServerConfig is the runtime configuration of a Server
type ServerConfig struct {
	ListenAddr       string
	WebSocketAddr    string // empty disables
	MetricsAddr      string // empty disables
	Storage          string
	DatabasePath     string
	MaxMessageLength int // bytes, 0 for no limit
	HistorySize      int
	HistoryDelay     time.Duration
	IdleTimeout      time.Duration // 0 disables
	WriteTimeout     time.Duration // 0 disables
	BcryptCost       int
	EventBuffer      int
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:         "127.0.0.1",
			TCPPort:      7891,
			WSPort:       0,
			MetricsPort:  9090,
			DatabasePath: "~/.messanger/messanger.db",
			Storage:      StorageSQLite,
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
			HistorySize:      30,
			HistoryDelayMs:   10,
			BcryptCost:       bcrypt.DefaultCost,
		},
		Logging: LoggingSection{
			Level:       "info",
			Environment: "production",
		},
	}
}

// DefaultConfig returns the runtime form of DefaultTOMLConfig
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// it does not exist, applies environment overrides and validates the result.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// Running without a writable config location is fine; defaults apply
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return TOMLConfig{}, err
	}
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

type envOverride struct {
	key   string
	apply func(value string) error
}

func intOverride(dst *int) func(string) error {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func stringOverride(dst *string) func(string) error {
	return func(value string) error {
		*dst = value
		return nil
	}
}

// applyEnvOverrides applies MESSANGER_SECTION_KEY variables,
// e.g. MESSANGER_SERVER_TCP_PORT=8080
func applyEnvOverrides(c *TOMLConfig) error {
	overrides := []envOverride{
		{"MESSANGER_SERVER_HOST", stringOverride(&c.Server.Host)},
		{"MESSANGER_SERVER_TCP_PORT", intOverride(&c.Server.TCPPort)},
		{"MESSANGER_SERVER_WS_PORT", intOverride(&c.Server.WSPort)},
		{"MESSANGER_SERVER_METRICS_PORT", intOverride(&c.Server.MetricsPort)},
		{"MESSANGER_SERVER_DATABASE_PATH", stringOverride(&c.Server.DatabasePath)},
		{"MESSANGER_SERVER_STORAGE", stringOverride(&c.Server.Storage)},
		{"MESSANGER_LIMITS_MAX_MESSAGE_LENGTH", intOverride(&c.Limits.MaxMessageLength)},
		{"MESSANGER_LIMITS_HISTORY_SIZE", intOverride(&c.Limits.HistorySize)},
		{"MESSANGER_LIMITS_HISTORY_DELAY_MS", intOverride(&c.Limits.HistoryDelayMs)},
		{"MESSANGER_LIMITS_IDLE_TIMEOUT_SECONDS", intOverride(&c.Limits.IdleTimeoutSeconds)},
		{"MESSANGER_LIMITS_WRITE_TIMEOUT_SECONDS", intOverride(&c.Limits.WriteTimeoutSeconds)},
		{"MESSANGER_LIMITS_BCRYPT_COST", intOverride(&c.Limits.BcryptCost)},
		{"MESSANGER_LOGGING_LEVEL", stringOverride(&c.Logging.Level)},
		{"MESSANGER_LOGGING_ENVIRONMENT", stringOverride(&c.Logging.Environment)},
		{"MESSANGER_LOGGING_FILE", stringOverride(&c.Logging.File)},
	}

	for _, o := range overrides {
		val, ok := os.LookupEnv(o.key)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", o.key, val, err)
		}
	}
	return nil
}

// Validate rejects values the server cannot run with
func (c *TOMLConfig) Validate() error {
	ports := map[string]int{
		"server.tcp_port":     c.Server.TCPPort,
		"server.ws_port":      c.Server.WSPort,
		"server.metrics_port": c.Server.MetricsPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}

	switch c.Server.Storage {
	case StorageSQLite:
		if strings.TrimSpace(c.Server.DatabasePath) == "" {
			return errors.New("server.database_path is required for sqlite storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("server.storage must be %q or %q, got %q", StorageSQLite, StorageMemory, c.Server.Storage)
	}

	if c.Limits.MaxMessageLength < 0 {
		return fmt.Errorf("limits.max_message_length must not be negative: %d", c.Limits.MaxMessageLength)
	}
	if c.Limits.HistorySize < 0 {
		return fmt.Errorf("limits.history_size must not be negative: %d", c.Limits.HistorySize)
	}
	if c.Limits.HistoryDelayMs < 0 || c.Limits.IdleTimeoutSeconds < 0 || c.Limits.WriteTimeoutSeconds < 0 {
		return errors.New("limits: delays and timeouts must not be negative")
	}
	if cost := c.Limits.BcryptCost; cost != 0 && (cost < bcrypt.MinCost || cost > bcrypt.MaxCost) {
		return fmt.Errorf("limits.bcrypt_cost must be between %d and %d: %d", bcrypt.MinCost, bcrypt.MaxCost, cost)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error: %q", c.Logging.Level)
	}
	return nil
}

// writeDefaultConfig writes the default config with every option documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Messanger Server Configuration
# Generated with default values. Restart the server for changes to take effect.
#
# Environment variables override these settings:
# MESSANGER_SECTION_KEY (e.g. MESSANGER_SERVER_TCP_PORT=8080)

[server]
# Address the chat listener binds to
host = "127.0.0.1"
tcp_port = 7891

# WebSocket listener carrying the same frames on /ws (0 = disabled)
ws_port = 0

# Internal HTTP listener for /metrics and /health (0 = disabled)
metrics_port = 9090

# "sqlite" or "memory" (nothing survives a restart)
storage = "sqlite"
database_path = "~/.messanger/messanger.db"

[limits]
# Maximum chat message length in bytes (0 = unlimited)
max_message_length = 4096

# Messages replayed to a client after it authenticates
history_size = 30

# Pause between replayed messages
history_delay_ms = 10

# Close connections that send nothing for this long (0 = never)
idle_timeout_seconds = 0

# Give up on a socket write after this long (0 = never)
write_timeout_seconds = 0

# bcrypt work factor for password hashes
bcrypt_cost = 10

[logging]
# debug, info, warn or error
level = "info"

# "development" logs human-readable console lines, anything else JSON
environment = "production"

# Optional log file in addition to stderr
# file = "~/.messanger/server.log"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := ServerConfig{
		ListenAddr:       net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.TCPPort)),
		Storage:          c.Server.Storage,
		MaxMessageLength: c.Limits.MaxMessageLength,
		HistorySize:      c.Limits.HistorySize,
		HistoryDelay:     time.Duration(c.Limits.HistoryDelayMs) * time.Millisecond,
		IdleTimeout:      time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second,
		WriteTimeout:     time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second,
		BcryptCost:       c.Limits.BcryptCost,
		EventBuffer:      256,
	}
	if c.Server.WSPort != 0 {
		cfg.WebSocketAddr = net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.WSPort))
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsAddr = net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.MetricsPort))
	}
	if path, err := expandHome(c.Server.DatabasePath); err == nil {
		cfg.DatabasePath = path
	} else {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	return cfg
}

// LoggerConfig returns the [logging] section in the form pkg/logger expects
func (c *TOMLConfig) LoggerConfig() logger.Config {
	file := c.Logging.File
	if expanded, err := expandHome(file); err == nil {
		file = expanded
	}
	return logger.Config{
		Environment: c.Logging.Environment,
		Level:       c.Logging.Level,
		ServiceName: "messanger-server",
		File:        file,
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
