// ABOUTME: Configuration loading and parsing for mcp-hub
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigPath = "MCP_HUB_CONFIG"
	EnvDBPath     = "MCP_HUB_DB_PATH"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete mcp-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret" toml:"shared_secret"` // empty disables auth
}

// AgentsConfig holds agent liveness timing
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	FlushInterval    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval" toml:"sweep_interval"`
	FlushIntervalRaw    string `yaml:"flush_interval" toml:"flush_interval"`
}

// HubConfig tunes live agent channels
type HubConfig struct {
	QueueSize       int   `yaml:"queue_size" toml:"queue_size"`
	CriticalRetries int   `yaml:"critical_retries" toml:"critical_retries"`
	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`

	// Nil when unset; 0 broadcasts every priority.
	BroadcastMinPriority *int `yaml:"broadcast_min_priority" toml:"broadcast_min_priority"`

	WriteTimeout       time.Duration `yaml:"-" toml:"-"`
	CriticalRetryDelay time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw       string `yaml:"write_timeout" toml:"write_timeout"`
	CriticalRetryDelayRaw string `yaml:"critical_retry_delay" toml:"critical_retry_delay"`
}

// CacheConfig bounds the latest-context cache
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
}

// APIConfig bounds request handling
type APIConfig struct {
	DefaultLimit      int           `yaml:"default_limit" toml:"default_limit"`
	MaxLimit          int           `yaml:"max_limit" toml:"max_limit"`
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Database.Path = os.Getenv(EnvDBPath)
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns where the config file lives when MCP_HUB_CONFIG is unset:
// $XDG_CONFIG_HOME/mcp-hub/hub.yaml, falling back to ~/.config/mcp-hub/hub.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcp-hub", "hub.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "mcp-hub", "hub.yaml")
	}
	return filepath.Join(home, ".config", "mcp-hub", "hub.yaml")
}

// DefaultDBPath returns the SQLite file used when none is configured.
func DefaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcp-hub", "hub.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mcp-hub.db"
	}
	return filepath.Join(home, ".local", "share", "mcp-hub", "hub.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are TOML; anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(filepath.Dir(DefaultDBPath()), "tsnet")
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = DefaultDBPath()
	}

	setDuration(&c.Agents.HeartbeatTimeout, 60*time.Second)
	setDuration(&c.Agents.SweepInterval, 30*time.Second)
	setDuration(&c.Agents.FlushInterval, 5*time.Second)

	setInt(&c.Hub.QueueSize, 256)
	setInt(&c.Hub.CriticalRetries, 3)
	if c.Hub.BroadcastMinPriority == nil {
		p := 3
		c.Hub.BroadcastMinPriority = &p
	}
	if c.Hub.MaxMessageBytes == 0 {
		c.Hub.MaxMessageBytes = 1 << 20
	}
	setDuration(&c.Hub.WriteTimeout, 10*time.Second)
	setDuration(&c.Hub.CriticalRetryDelay, 100*time.Millisecond)

	setInt(&c.Cache.MaxEntries, 10000)
	setDuration(&c.Cache.TTL, time.Hour)

	setInt(&c.API.DefaultLimit, 100)
	setInt(&c.API.MaxLimit, 1000)
	setDuration(&c.API.RequestTimeout, 5*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Auth.SharedSecret != "" && len(c.Auth.SharedSecret) < 32 {
		return fmt.Errorf("auth.shared_secret must be at least 32 bytes")
	}

	if p := c.Hub.BroadcastMinPriority; p != nil && *p < 0 {
		return fmt.Errorf("hub.broadcast_min_priority must not be negative, got %d", *p)
	}

	if c.Agents.SweepInterval > c.Agents.HeartbeatTimeout {
		return fmt.Errorf("agents.sweep_interval (%s) must not exceed agents.heartbeat_timeout (%s)",
			c.Agents.SweepInterval, c.Agents.HeartbeatTimeout)
	}

	for _, f := range []struct {
		name  string
		value int
	}{
		{"hub.queue_size", c.Hub.QueueSize},
		{"hub.critical_retries", c.Hub.CriticalRetries},
		{"cache.max_entries", c.Cache.MaxEntries},
		{"api.default_limit", c.API.DefaultLimit},
		{"api.max_limit", c.API.MaxLimit},
	} {
		if f.value < 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}
	if c.API.DefaultLimit > c.API.MaxLimit {
		return fmt.Errorf("api.default_limit (%d) must not exceed api.max_limit (%d)", c.API.DefaultLimit, c.API.MaxLimit)
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"agents.flush_interval", cfg.Agents.FlushIntervalRaw, &cfg.Agents.FlushInterval},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"hub.critical_retry_delay", cfg.Hub.CriticalRetryDelayRaw, &cfg.Hub.CriticalRetryDelay},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"api.request_timeout", cfg.API.RequestTimeoutRaw, &cfg.API.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
