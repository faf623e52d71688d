// internal/common/config/config.go
package config

import (
	"fmt"
	"time"

	"enrichment-workers/internal/models"
)

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Queue      QueueConfig       `mapstructure:"queue"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Cache      CacheConfig       `mapstructure:"cache"`
	Webhook    WebhookConfig     `mapstructure:"webhook"`
	Enrichment EnrichmentConfig  `mapstructure:"enrichment"`
	Providers  []models.Provider `mapstructure:"providers"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig holds the durable queue's retry and maintenance settings.
type QueueConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	PrefetchSize      int           `mapstructure:"prefetch_size"`
	CleanupAfterDays  int           `mapstructure:"cleanup_after_days"`
}

// WorkerConfig holds the processor pool settings.
type WorkerConfig struct {
	Count               int           `mapstructure:"count"` // 0 = NumCPU/2
	MaxConcurrentJobs   int           `mapstructure:"max_concurrent_jobs"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
}

type CacheConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnrichmentConfig holds facade-level settings.
type EnrichmentConfig struct {
	BatchMaxConcurrency  int           `mapstructure:"batch_max_concurrency"`
	QueueDrainInterval   time.Duration `mapstructure:"queue_drain_interval"`
	QueueDrainBatchSize  int           `mapstructure:"queue_drain_batch_size"`
	QueueDrainConcurrent int           `mapstructure:"queue_drain_concurrent"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
