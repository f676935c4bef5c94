// ABOUTME: Configuration loading and parsing for zap-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete zap-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Queue     QueueConfig     `yaml:"queue"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds API authentication configuration.
// GlobalAPIKey guards session-management endpoints; JWTSecret, when set,
// additionally allows HS256 bearer tokens minted by `zap-gateway token`.
type AuthConfig struct {
	GlobalAPIKey string `yaml:"global_api_key"`
	JWTSecret    string `yaml:"jwt_secret"`
}

// ProtocolConfig selects the messaging-protocol connection driver
type ProtocolConfig struct {
	Driver string `yaml:"driver"`
}

// SessionsConfig holds session lifecycle tuning
type SessionsConfig struct {
	MaxReconnectAttempts int  `yaml:"max_reconnect_attempts"`
	MaxQRRetries         int  `yaml:"max_qr_retries"`
	CleanupEnabled       bool `yaml:"cleanup_enabled"`

	ReconnectBaseDelay   time.Duration `yaml:"-"`
	SyncBatchPause       time.Duration `yaml:"-"`
	DedupeTTL            time.Duration `yaml:"-"`
	CleanupInterval      time.Duration `yaml:"-"`
	CleanupMaxDisconnect time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectBaseDelayRaw   string `yaml:"reconnect_base_delay"`
	SyncBatchPauseRaw       string `yaml:"sync_batch_pause"`
	DedupeTTLRaw            string `yaml:"dedupe_ttl"`
	CleanupIntervalRaw      string `yaml:"cleanup_interval"`
	CleanupMaxDisconnectRaw string `yaml:"cleanup_max_disconnected"`
}

// QueueConfig holds outbound message queue configuration
type QueueConfig struct {
	DefaultDelay time.Duration `yaml:"-"`

	DefaultDelayRaw string `yaml:"default_delay"`
}

// WebhookConfig holds the process-wide webhook configuration.
// Per-session webhooks live in each session's config row, not here.
type WebhookConfig struct {
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalURL     string `yaml:"global_url"`
	GlobalSecret  string `yaml:"global_secret"`
}

// WebSocketConfig holds live-subscriber endpoint configuration
type WebSocketConfig struct {
	Enabled      bool   `yaml:"enabled"`
	GlobalSecret string `yaml:"global_secret"`

	AuthTimeout time.Duration `yaml:"-"`

	AuthTimeoutRaw string `yaml:"auth_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional settings
func (c *Config) applyDefaults() {
	if c.Protocol.Driver == "" {
		c.Protocol.Driver = "loopback"
	}
	if c.Sessions.MaxReconnectAttempts == 0 {
		c.Sessions.MaxReconnectAttempts = 5
	}
	if c.Sessions.MaxQRRetries == 0 {
		c.Sessions.MaxQRRetries = 5
	}
	if c.Sessions.ReconnectBaseDelay == 0 {
		c.Sessions.ReconnectBaseDelay = 5 * time.Second
	}
	if c.Sessions.SyncBatchPause == 0 {
		c.Sessions.SyncBatchPause = 100 * time.Millisecond
	}
	if c.Sessions.DedupeTTL == 0 {
		c.Sessions.DedupeTTL = 5 * time.Minute
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 5 * time.Minute
	}
	if c.Sessions.CleanupMaxDisconnect == 0 {
		c.Sessions.CleanupMaxDisconnect = 5 * time.Hour
	}
	if c.Queue.DefaultDelay == 0 {
		c.Queue.DefaultDelay = time.Second
	}
	if c.WebSocket.AuthTimeout == 0 {
		c.WebSocket.AuthTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.GlobalAPIKey == "" {
		return fmt.Errorf("auth.global_api_key is required")
	}

	if c.Webhook.GlobalEnabled && c.Webhook.GlobalURL == "" {
		return fmt.Errorf("webhook.global_url is required when webhook.global_enabled is true")
	}

	if c.WebSocket.Enabled && c.WebSocket.GlobalSecret == "" {
		return fmt.Errorf("websocket.global_secret is required when websocket.enabled is true")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.ReconnectBaseDelayRaw, &cfg.Sessions.ReconnectBaseDelay, "reconnect_base_delay"},
		{cfg.Sessions.SyncBatchPauseRaw, &cfg.Sessions.SyncBatchPause, "sync_batch_pause"},
		{cfg.Sessions.DedupeTTLRaw, &cfg.Sessions.DedupeTTL, "dedupe_ttl"},
		{cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval, "cleanup_interval"},
		{cfg.Sessions.CleanupMaxDisconnectRaw, &cfg.Sessions.CleanupMaxDisconnect, "cleanup_max_disconnected"},
		{cfg.Queue.DefaultDelayRaw, &cfg.Queue.DefaultDelay, "default_delay"},
		{cfg.WebSocket.AuthTimeoutRaw, &cfg.WebSocket.AuthTimeout, "auth_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
