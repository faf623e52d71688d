// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_PASSWORD
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, ignored if not present
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// AllKeys does not descend into the providers array, expand those
	// entries after unmarshal.
	for i := range cfg.Providers {
		cfg.Providers[i].BaseURL = expandString(cfg.Providers[i].BaseURL)
		cfg.Providers[i].APIKey = expandString(cfg.Providers[i].APIKey)
	}

	applyDefaults(&cfg)
	if cfg.App.Environment == "" {
		cfg.App.Environment = env
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in scalar config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		if strVal, ok := v.Get(key).(string); ok {
			if expanded := expandString(strVal); expanded != strVal {
				v.Set(key, expanded)
			}
		}
	}
}

// expandString expands env placeholders, keeping the original value when the
// variable is unset so validation can report it.
func expandString(s string) string {
	if !strings.Contains(s, "${") && !(strings.HasPrefix(s, "$") && len(s) > 1) {
		return s
	}
	if expanded := os.ExpandEnv(s); expanded != "" && expanded != s {
		return expanded
	}
	return s
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "enrichment-workers"
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = ":8080"
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 20
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Queue.DefaultMaxRetries == 0 {
		cfg.Queue.DefaultMaxRetries = 3
	}
	if cfg.Queue.RetryBaseDelay == 0 {
		cfg.Queue.RetryBaseDelay = 5 * time.Second
	}
	if cfg.Queue.RetryMaxDelay == 0 {
		cfg.Queue.RetryMaxDelay = 10 * time.Minute
	}
	if cfg.Queue.BackoffMultiplier == 0 {
		cfg.Queue.BackoffMultiplier = 2.0
	}
	if cfg.Queue.PrefetchSize == 0 {
		cfg.Queue.PrefetchSize = 50
	}
	if cfg.Queue.CleanupAfterDays == 0 {
		cfg.Queue.CleanupAfterDays = 30
	}

	if cfg.Worker.MaxConcurrentJobs == 0 {
		cfg.Worker.MaxConcurrentJobs = 10
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 1 * time.Second
	}
	if cfg.Worker.HealthCheckInterval == 0 {
		cfg.Worker.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Worker.ShutdownGrace == 0 {
		cfg.Worker.ShutdownGrace = 30 * time.Second
	}

	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 1 * time.Hour
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = 1 * time.Hour
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "enrich:cache"
	}

	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}

	if cfg.Enrichment.BatchMaxConcurrency == 0 {
		cfg.Enrichment.BatchMaxConcurrency = 5
	}
	if cfg.Enrichment.QueueDrainInterval == 0 {
		cfg.Enrichment.QueueDrainInterval = 5 * time.Second
	}
	if cfg.Enrichment.QueueDrainBatchSize == 0 {
		cfg.Enrichment.QueueDrainBatchSize = 10
	}
	if cfg.Enrichment.QueueDrainConcurrent == 0 {
		cfg.Enrichment.QueueDrainConcurrent = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}
	if cfg.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be >= 1")
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Type == "" {
			return fmt.Errorf("provider %q: type is required", p.ID)
		}
		if p.Active && p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required for active providers", p.ID)
		}
		if p.CostPerRequest < 0 {
			return fmt.Errorf("provider %q: cost_per_request must not be negative", p.ID)
		}
	}

	return nil
}
