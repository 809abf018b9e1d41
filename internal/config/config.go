// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Sending  SendingConfig  `yaml:"sending"`
	SmtpPool SmtpPoolConfig `yaml:"smtp_pool"`
	Workers  WorkerConfig   `yaml:"workers"`

	// EncryptionKey is the symmetric key for SMTP passwords at rest.
	EncryptionKey string `yaml:"encryption_key"`

	// UnsubscribeBaseURL is the host prefix for per-recipient
	// unsubscribe links, e.g. "https://mail.example.com".
	UnsubscribeBaseURL string `yaml:"unsubscribe_base_url"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings for the job queues.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// JWTConfig holds auth token settings.
type JWTConfig struct {
	Secret       string `yaml:"secret"`
	ExpiresInMin int    `yaml:"expires_in_min"`
}

// ExpiresIn returns the token lifetime as a duration.
func (c JWTConfig) ExpiresIn() time.Duration {
	return time.Duration(c.ExpiresInMin) * time.Minute
}

// SendingConfig holds the engine-wide pacing and safety settings.
type SendingConfig struct {
	OfficeHoursStart int `yaml:"office_hours_start"`
	OfficeHoursEnd   int `yaml:"office_hours_end"`

	// MaxBounceRate is the percentage above which a running campaign is
	// auto-paused once at least 10 attempts have completed.
	MaxBounceRate float64 `yaml:"max_bounce_rate"`

	DefaultDailyLimit int `yaml:"default_daily_limit"`

	MinDelayBetweenEmails int `yaml:"min_delay_between_emails"`
	MaxDelayBetweenEmails int `yaml:"max_delay_between_emails"`

	BatchSizeMin       int `yaml:"batch_size_min"`
	BatchSizeMax       int `yaml:"batch_size_max"`
	BatchBreakDuration int `yaml:"batch_break_duration"`
}

// SmtpPoolConfig holds per-account transport pool behavior.
type SmtpPoolConfig struct {
	MaxPoolSize    int     `yaml:"max_pool_size"`
	IdleTimeoutSec int     `yaml:"idle_timeout_sec"`
	MaxConnections int     `yaml:"max_connections"`
	MaxMessages    int     `yaml:"max_messages"`
	RateLimit      float64 `yaml:"rate_limit"`
}

// IdleTimeout returns the idle reap threshold as a duration.
func (c SmtpPoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// WorkerConfig holds the queue consumer pool sizes.
type WorkerConfig struct {
	TickConcurrency int `yaml:"tick_concurrency"`
	SendConcurrency int `yaml:"send_concurrency"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.JWT.ExpiresInMin == 0 {
		cfg.JWT.ExpiresInMin = 24 * 60
	}
	if cfg.Sending.OfficeHoursEnd == 0 {
		cfg.Sending.OfficeHoursStart = 9
		cfg.Sending.OfficeHoursEnd = 17
	}
	if cfg.Sending.MaxBounceRate == 0 {
		cfg.Sending.MaxBounceRate = 5
	}
	if cfg.Sending.DefaultDailyLimit == 0 {
		cfg.Sending.DefaultDailyLimit = 500
	}
	if cfg.Sending.MinDelayBetweenEmails == 0 {
		cfg.Sending.MinDelayBetweenEmails = 30
	}
	if cfg.Sending.MaxDelayBetweenEmails == 0 {
		cfg.Sending.MaxDelayBetweenEmails = 120
	}
	if cfg.Sending.BatchSizeMin == 0 {
		cfg.Sending.BatchSizeMin = 10
	}
	if cfg.Sending.BatchSizeMax == 0 {
		cfg.Sending.BatchSizeMax = 20
	}
	if cfg.Sending.BatchBreakDuration == 0 {
		cfg.Sending.BatchBreakDuration = 300
	}
	if cfg.SmtpPool.MaxPoolSize == 0 {
		cfg.SmtpPool.MaxPoolSize = 3
	}
	if cfg.SmtpPool.IdleTimeoutSec == 0 {
		cfg.SmtpPool.IdleTimeoutSec = 300
	}
	if cfg.SmtpPool.MaxConnections == 0 {
		cfg.SmtpPool.MaxConnections = 3
	}
	if cfg.SmtpPool.MaxMessages == 0 {
		cfg.SmtpPool.MaxMessages = 100
	}
	if cfg.SmtpPool.RateLimit == 0 {
		cfg.SmtpPool.RateLimit = 5
	}
	if cfg.Workers.TickConcurrency == 0 {
		cfg.Workers.TickConcurrency = 2
	}
	if cfg.Workers.SendConcurrency == 0 {
		cfg.Workers.SendConcurrency = 4
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("UNSUBSCRIBE_BASE_URL"); v != "" {
		cfg.UnsubscribeBaseURL = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	return cfg, nil
}

// Validate checks that the settings required to run are present and sane.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required")
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if cfg.Sending.OfficeHoursStart < 0 || cfg.Sending.OfficeHoursEnd > 24 ||
		cfg.Sending.OfficeHoursStart >= cfg.Sending.OfficeHoursEnd {
		return fmt.Errorf("office hours window [%d, %d) is invalid",
			cfg.Sending.OfficeHoursStart, cfg.Sending.OfficeHoursEnd)
	}
	if cfg.Sending.MinDelayBetweenEmails > cfg.Sending.MaxDelayBetweenEmails {
		return fmt.Errorf("min_delay_between_emails exceeds max_delay_between_emails")
	}
	if cfg.Sending.BatchSizeMin > cfg.Sending.BatchSizeMax {
		return fmt.Errorf("batch_size_min exceeds batch_size_max")
	}
	return nil
}
