// cmd/worker-manager/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"enrichment-workers/internal/cache"
	"enrichment-workers/internal/common/config"
	"enrichment-workers/internal/common/database"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/enrichment"
	"enrichment-workers/internal/provider"
	"enrichment-workers/internal/queue"
	"enrichment-workers/internal/ratelimit"
	"enrichment-workers/internal/store"
	"enrichment-workers/internal/webhook"
	"enrichment-workers/internal/worker"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting enrichment worker manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Wire the pipeline ---
	st := store.New(pg.DB, log)

	registry := provider.NewRegistry(log)
	providers := cfg.Providers
	if len(providers) == 0 {
		// No providers configured in the file; fall back to the catalog table.
		providers, err = st.LoadActiveProviders(ctx)
		if err != nil {
			zapLog.Fatal("provider catalog load failed", zap.Error(err))
		}
	}
	for _, spec := range providers {
		if !spec.Active {
			continue
		}
		registry.Register(provider.NewHTTPAdapter(spec, 30*time.Second, log))
	}
	zapLog.Info("providers registered", zap.Int("count", registry.Size()))

	limiter := ratelimit.New()
	cacheManager := cache.New(redis.Client, cfg.Cache, log)
	orchestrator := enrichment.NewOrchestrator(registry, log)
	service := enrichment.NewService(st, cacheManager, registry, orchestrator,
		cfg.Enrichment, cfg.Cache.DefaultTTL, log)
	queueManager := queue.NewManager(st, cfg.Queue, log)
	notifier := webhook.NewNotifier(cfg.Webhook.Timeout, log)

	manager := worker.NewManager(worker.Deps{
		Config:   cfg,
		Queue:    queueManager,
		Service:  service,
		Registry: registry,
		Limiter:  limiter,
		Cache:    cacheManager,
		Store:    st,
		Webhooks: notifier,
		Logger:   log,
	})

	// Initial provider health sweep before taking work.
	registry.CheckAll(ctx)

	if err := manager.Start(); err != nil {
		zapLog.Fatal("worker manager start failed", zap.Error(err))
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager.Stop(shutdownCtx)
	zapLog.Info("Worker manager stopped gracefully")
}
