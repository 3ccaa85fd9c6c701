// ABOUTME: Configuration loading and parsing for mimic
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mimic configuration
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Tailscale    TailscaleConfig `yaml:"tailscale"`
	Auth         AuthConfig      `yaml:"auth"`
	Database     DatabaseConfig  `yaml:"database"`
	Sessions     SessionsConfig  `yaml:"sessions"`
	Transport    TransportConfig `yaml:"transport"`
	Rooms        RoomsConfig     `yaml:"rooms"`
	Forward      ForwardConfig   `yaml:"forward"`
	Blacklist    BlacklistConfig `yaml:"blacklist"`
	Replacements Replacements    `yaml:"replacements"`
	Queue        QueueConfig     `yaml:"queue"`
	Links        LinksConfig     `yaml:"links"`
	Reload       ReloadConfig    `yaml:"reload"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the control API listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds control API authentication configuration.
// An empty secret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig locates the credential files
type SessionsConfig struct {
	Dir         string `yaml:"dir"`
	MonitorName string `yaml:"monitor_name"`
}

// TransportConfig tunes the Matrix client shared by every agent
type TransportConfig struct {
	// Proxy is an http://, https:// or socks5:// URL.
	Proxy string `yaml:"proxy"`
	// StatusDecoration marks agent accounts as able to carry a status message.
	StatusDecoration bool `yaml:"status_decoration"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// RoomsConfig names the monitored source rooms and the destination room
type RoomsConfig struct {
	Sources []string `yaml:"sources"`
	Target  string   `yaml:"target"`
}

// ForwardConfig holds forwarding engine settings
type ForwardConfig struct {
	MediaDir   string `yaml:"media_dir"`
	ProfileDir string `yaml:"profile_dir"`
	Workers    int    `yaml:"workers"`
}

// BlacklistConfig holds the drop rules, checked in field order
type BlacklistConfig struct {
	IdentityIDs []string `yaml:"identity_ids"`
	Keywords    []string `yaml:"keywords"`
	Names       []string `yaml:"names"`
}

// QueueConfig selects the event queue backend
type QueueConfig struct {
	Backend string      `yaml:"backend"`
	Size    int         `yaml:"size"`
	Redis   RedisConfig `yaml:"redis"`
	AMQP    AMQPConfig  `yaml:"amqp"`

	Delay    time.Duration `yaml:"-"`
	DelayRaw string        `yaml:"delay"`
}

// RedisConfig holds the redis queue connection
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// AMQPConfig holds the RabbitMQ queue connection
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// LinksConfig bounds the reply link map
type LinksConfig struct {
	MaxEntries int `yaml:"max_entries"`

	TTL          time.Duration `yaml:"-"`
	Retention    time.Duration `yaml:"-"`
	TTLRaw       string        `yaml:"ttl"`
	RetentionRaw string        `yaml:"retention"`
}

// ReloadConfig controls reloading on file change
type ReloadConfig struct {
	Watch bool `yaml:"watch"`

	Debounce    time.Duration `yaml:"-"`
	DebounceRaw string        `yaml:"debounce"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotated log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw YAML.
func Parse(data []byte) (*Config, error) {
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
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Sessions.MonitorName == "" {
		c.Sessions.MonitorName = "monitor"
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = 30 * time.Second
	}
	if c.Forward.Workers <= 0 {
		c.Forward.Workers = 1
	}
	if c.Forward.MediaDir == "" {
		c.Forward.MediaDir = os.TempDir()
	}
	if c.Forward.ProfileDir == "" {
		c.Forward.ProfileDir = c.Forward.MediaDir
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.DelayRaw == "" {
		c.Queue.Delay = time.Second
	}
	if c.Links.MaxEntries <= 0 {
		c.Links.MaxEntries = 100_000
	}
	if c.Reload.Debounce == 0 {
		c.Reload.Debounce = 500 * time.Millisecond
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Sessions.Dir == "" {
		return fmt.Errorf("sessions.dir is required")
	}

	if c.Rooms.Target == "" {
		return fmt.Errorf("rooms.target is required")
	}
	if len(c.Rooms.Sources) == 0 {
		return fmt.Errorf("rooms.sources must list at least one room")
	}
	for _, src := range c.Rooms.Sources {
		if src == c.Rooms.Target {
			return fmt.Errorf("rooms.sources must not contain the target room %q", src)
		}
	}

	if c.Transport.Proxy != "" {
		u, err := url.Parse(c.Transport.Proxy)
		if err != nil {
			return fmt.Errorf("transport.proxy: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("transport.proxy scheme %q is not supported (use http, https or socks5)", u.Scheme)
		}
	}

	switch c.Queue.Backend {
	case "memory", "none":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return fmt.Errorf("queue.redis.address is required for the redis backend")
		}
	case "amqp":
		if c.Queue.AMQP.URL == "" {
			return fmt.Errorf("queue.amqp.url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, none, redis, amqp", c.Queue.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
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
		{"transport.request_timeout", cfg.Transport.RequestTimeoutRaw, &cfg.Transport.RequestTimeout},
		{"queue.delay", cfg.Queue.DelayRaw, &cfg.Queue.Delay},
		{"links.ttl", cfg.Links.TTLRaw, &cfg.Links.TTL},
		{"links.retention", cfg.Links.RetentionRaw, &cfg.Links.Retention},
		{"reload.debounce", cfg.Reload.DebounceRaw, &cfg.Reload.Debounce},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
