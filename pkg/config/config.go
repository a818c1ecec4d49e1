package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for approvalflow. It is loaded
// from YAML with ${ENV} references expanded, then overlaid with a small set
// of environment overrides.
type Config struct {
	N8n         N8nConfig         `yaml:"n8n" json:"n8n"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Telegram    TelegramConfig    `yaml:"telegram" json:"telegram"`
	NATS        NATSConfig        `yaml:"nats" json:"nats"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Definitions DefinitionsConfig `yaml:"definitions" json:"definitions"`
}

// N8nConfig configures the n8n webhook client
type N8nConfig struct {
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`
}

// HTTPConfig configures outbound calls to webhook, chat and discord targets
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// TelegramConfig holds the default bot credentials for telegram steps
type TelegramConfig struct {
	BotToken  string `yaml:"bot_token" json:"-"`
	ServerURL string `yaml:"server_url" json:"server_url,omitempty"` // Override for self-hosted Bot API servers
}

// NATSConfig configures event publishing. An empty URL keeps events in
// process.
type NATSConfig struct {
	URL        string        `yaml:"url" json:"url,omitempty"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// RedisConfig configures per-request locks. An empty URL uses in-process
// locks.
type RedisConfig struct {
	URL       string        `yaml:"url" json:"url,omitempty"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// RetryConfig controls how the runner retries a failed integration step.
// MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
}

// TelemetryConfig configures tracing and metrics export
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
	PushgatewayURL string `yaml:"pushgateway_url" json:"pushgateway_url,omitempty"`
}

// LoggingConfig configures log collection
type LoggingConfig struct {
	Capture     bool   `yaml:"capture" json:"capture"` // Route the standard logger through the log manager
	DatabaseDSN string `yaml:"database_dsn" json:"-"`  // Postgres DSN for persisting logs
	Quiet       bool   `yaml:"quiet" json:"quiet"`     // Suppress log output on stderr
}

// DefinitionsConfig points at the workflow definition directory
type DefinitionsConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Watch bool   `yaml:"watch" json:"watch"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		N8n: N8nConfig{
			BaseURL:       "http://localhost:5678",
			Timeout:       30 * time.Second,
			HealthTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			StreamName: "APPROVALFLOW",
			Timeout:    10 * time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "approvalflow:lock:",
			LockTTL:   5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     1,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "approvalflow",
			OTLPEndpoint: "localhost:4317",
		},
		Definitions: DefinitionsConfig{
			Dir: "workflows",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file. Values missing
// from the file keep their defaults. Environment overrides are applied last.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables (e.g. ${SLACK_WEBHOOK_URL}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path if it is non-empty, otherwise returns the defaults with
// environment overrides applied
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadConfigFromFile(path)
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overlays environment variables on the configuration
func (c *Config) ApplyEnv() {
	if v := os.Getenv("N8N_BASE_URL"); v != "" {
		c.N8n.BaseURL = v
	}
	if v := os.Getenv("APPROVALFLOW_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("APPROVALFLOW_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("APPROVALFLOW_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("APPROVALFLOW_LOG_DSN"); v != "" {
		c.Logging.DatabaseDSN = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.N8n.Timeout <= 0 {
		return fmt.Errorf("n8n.timeout must be positive")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	return nil
}
