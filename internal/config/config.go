package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for every environment override, e.g. DISPATCH_SERVER_PORT.
const EnvPrefix = "DISPATCH"

// Config holds all configuration for the dispatch engine
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	DatabaseURL string         `yaml:"database_url" split_words:"true"`
	RedisURL    string         `yaml:"redis_url" split_words:"true"`
	Tracking    TrackingConfig `yaml:"tracking"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Pool        PoolConfig     `yaml:"pool"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	CORSOrigins     []string      `yaml:"cors_origins" split_words:"true"`
}

// GetHost returns the listen host. Containers listen on all interfaces.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// TrackingConfig holds the tracking edge settings. With SQSQueueURL or
// AMQPURL set the edge publishes events to that broker and the server
// consumes them; otherwise events are applied in-process.
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url" split_words:"true"`
	SigningKey  string `yaml:"signing_key" split_words:"true"`
	SQSQueueURL string `yaml:"sqs_queue_url" split_words:"true"`
	AMQPURL     string `yaml:"amqp_url" envconfig:"AMQP_URL"`
	AWSRegion   string `yaml:"aws_region" split_words:"true"`
	Port        int    `yaml:"port"`

	// WebhookSecret signs the reply, delivered and bounce webhooks.
	// Empty falls back to SigningKey.
	WebhookSecret string `yaml:"webhook_secret" split_words:"true"`
}

// Enabled reports whether tracking links can be generated.
func (c TrackingConfig) Enabled() bool {
	return c.BaseURL != "" && c.SigningKey != ""
}

// DispatchConfig holds the scheduler and dispatch loop settings
type DispatchConfig struct {
	Workers            int           `yaml:"workers"`
	PollInterval       time.Duration `yaml:"poll_interval" split_words:"true"`
	RecoverySchedule   string        `yaml:"recovery_schedule" split_words:"true"`
	AccountingTimezone string        `yaml:"accounting_timezone" split_words:"true"`
	LockTTL            time.Duration `yaml:"lock_ttl" split_words:"true"`
	MaxInlineDelay     time.Duration `yaml:"max_inline_delay" split_words:"true"`
}

// Location resolves AccountingTimezone, falling back to UTC.
func (c DispatchConfig) Location() *time.Location {
	if c.AccountingTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.AccountingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PoolConfig holds the default transport session bounds
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections" split_words:"true"`
	MaxMessages    int           `yaml:"max_messages" split_words:"true"`
	DialTimeout    time.Duration `yaml:"dial_timeout" split_words:"true"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii" split_words:"true"`
}

// MetricsConfig holds the Prometheus exporter settings. Port 0 serves
// /metrics on the main server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Tracking.Port == 0 {
		c.Tracking.Port = 8081
	}
	if c.Tracking.AWSRegion == "" {
		c.Tracking.AWSRegion = "us-east-1"
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = time.Second
	}
	if c.Dispatch.RecoverySchedule == "" {
		c.Dispatch.RecoverySchedule = "@every 5m"
	}
	if c.Dispatch.LockTTL == 0 {
		c.Dispatch.LockTTL = 10 * time.Minute
	}
	if c.Dispatch.MaxInlineDelay == 0 {
		c.Dispatch.MaxInlineDelay = 30 * time.Second
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 2
	}
	if c.Pool.MaxMessages == 0 {
		c.Pool.MaxMessages = 100
	}
	if c.Pool.DialTimeout == 0 {
		c.Pool.DialTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadFromEnv loads .env if present, reads the YAML file and then applies
// DISPATCH_* environment overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	// Platform-provided variables without the prefix.
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.RedisURL == "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Tracking.BaseURL != "" && c.Tracking.SigningKey == "" {
		errs = append(errs, errors.New("tracking.signing_key is required when tracking.base_url is set"))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, errors.New("dispatch.workers must not be negative"))
	}
	if c.Dispatch.AccountingTimezone != "" {
		if _, err := time.LoadLocation(c.Dispatch.AccountingTimezone); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.accounting_timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
