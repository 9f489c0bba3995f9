// ABOUTME: Configuration loading and parsing for zaphub-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete zaphub-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Session  SessionConfig  `yaml:"session"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	PublicURL string `yaml:"public_url"` // external base URL, used to build media links
	APIKey    string `yaml:"api_key"`    // optional; empty disables the API key check
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the connection settings for the queue backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds defaults for the durable job queues
type QueueConfig struct {
	Driver      string `yaml:"driver"` // "redis" or "memory"
	MaxAttempts int    `yaml:"max_attempts"`

	BackoffDelay    time.Duration `yaml:"-"`
	BackoffDelayRaw string        `yaml:"backoff_delay"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// ConcurrencyConfig holds per-queue worker pool sizes
type ConcurrencyConfig struct {
	SessionInit int `yaml:"session_init"`
	Send        int `yaml:"send"`
	Receive     int `yaml:"receive"`
	Status      int `yaml:"status"`
	Webhook     int `yaml:"webhook"`
	Events      int `yaml:"events"`
}

// SessionConfig holds connection manager tuning
type SessionConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxRetries    int    `yaml:"max_retries"`
	CredsDir      string `yaml:"creds_dir"`

	ReconnectBaseDelay    time.Duration `yaml:"-"`
	ReconnectBaseDelayRaw string        `yaml:"reconnect_base_delay"`
	QRTTL                 time.Duration `yaml:"-"`
	QRTTLRaw              string        `yaml:"qr_ttl"`
}

// WebhookConfig holds outbound webhook delivery settings
type WebhookConfig struct {
	RetryAttempts   int    `yaml:"retry_attempts"`
	SignatureSecret string `yaml:"signature_secret"`

	Timeout       time.Duration `yaml:"-"`
	TimeoutRaw    string        `yaml:"timeout"`
	RetryDelay    time.Duration `yaml:"-"`
	RetryDelayRaw string        `yaml:"retry_delay"`
}

// MediaConfig holds media storage backend selection
type MediaConfig struct {
	Storage  string              `yaml:"storage"` // "local" or "supabase"
	Local    LocalMediaConfig    `yaml:"local"`
	Supabase SupabaseMediaConfig `yaml:"supabase"`
}

// LocalMediaConfig holds filesystem media storage settings
type LocalMediaConfig struct {
	BasePath string `yaml:"base_path"`
	BaseURL  string `yaml:"base_url"`
}

// SupabaseMediaConfig holds supabase storage bucket settings
type SupabaseMediaConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Bucket string `yaml:"bucket"`
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

// Default returns a Config populated with defaults only.
// Used by tests and embedded setups that have no config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
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

// applyDefaults fills in zero-valued fields with production defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:3000"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "redis"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.BackoffDelay == 0 {
		c.Queue.BackoffDelay = 2 * time.Second
	}
	if c.Queue.Concurrency.SessionInit == 0 {
		c.Queue.Concurrency.SessionInit = 3
	}
	if c.Queue.Concurrency.Send == 0 {
		c.Queue.Concurrency.Send = 5
	}
	if c.Queue.Concurrency.Receive == 0 {
		c.Queue.Concurrency.Receive = 10
	}
	if c.Queue.Concurrency.Status == 0 {
		c.Queue.Concurrency.Status = 10
	}
	if c.Queue.Concurrency.Webhook == 0 {
		c.Queue.Concurrency.Webhook = 3
	}
	if c.Queue.Concurrency.Events == 0 {
		c.Queue.Concurrency.Events = 10
	}
	if c.Session.MaxConcurrent == 0 {
		c.Session.MaxConcurrent = 100
	}
	if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = 5
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = 5 * time.Second
	}
	if c.Session.QRTTL == 0 {
		c.Session.QRTTL = 60 * time.Second
	}
	if c.Session.CredsDir == "" {
		c.Session.CredsDir = "auth_data"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.RetryAttempts == 0 {
		c.Webhook.RetryAttempts = 3
	}
	if c.Webhook.RetryDelay == 0 {
		c.Webhook.RetryDelay = 2 * time.Second
	}
	if c.Media.Storage == "" {
		c.Media.Storage = "local"
	}
	if c.Media.Local.BasePath == "" {
		c.Media.Local.BasePath = "storage/media"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.driver must be \"redis\" or \"memory\", got %q", c.Queue.Driver)
	}

	switch c.Media.Storage {
	case "local":
	case "supabase":
		if c.Media.Supabase.URL == "" || c.Media.Supabase.Bucket == "" {
			return fmt.Errorf("media.supabase.url and media.supabase.bucket are required when media.storage is supabase")
		}
	default:
		return fmt.Errorf("media.storage must be \"local\" or \"supabase\", got %q", c.Media.Storage)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Queue.BackoffDelayRaw, &cfg.Queue.BackoffDelay, "queue.backoff_delay"},
		{cfg.Session.ReconnectBaseDelayRaw, &cfg.Session.ReconnectBaseDelay, "session.reconnect_base_delay"},
		{cfg.Session.QRTTLRaw, &cfg.Session.QRTTL, "session.qr_ttl"},
		{cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout, "webhook.timeout"},
		{cfg.Webhook.RetryDelayRaw, &cfg.Webhook.RetryDelay, "webhook.retry_delay"},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}
