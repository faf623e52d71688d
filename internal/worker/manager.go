package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"enrichment-workers/internal/cache"
	"enrichment-workers/internal/common/config"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/enrichment"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
	"enrichment-workers/internal/queue"
	"enrichment-workers/internal/ratelimit"
	"enrichment-workers/internal/store"
	"enrichment-workers/internal/webhook"
)

// limiterIdleEviction is how long an unused provider window survives before
// the minutely cleanup removes it.
const limiterIdleEviction = 10 * time.Minute

// Deps carries everything the manager supervises. All fields are required.
type Deps struct {
	Config   *config.Config
	Queue    *queue.Manager
	Service  *enrichment.Service
	Registry *provider.Registry
	Limiter  *ratelimit.Limiter
	Cache    *cache.Manager
	Store    *store.Store
	Webhooks *webhook.Notifier
	Logger   logger.Logger
}

// Manager supervises the processor pool, the maintenance cron jobs and the
// health/metrics HTTP server.
type Manager struct {
	deps       Deps
	logger     logger.Logger
	processors []*Processor
	cron       *cron.Cron
	httpServer *http.Server
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		logger: deps.Logger.WithFields(map[string]interface{}{"component": "worker-manager"}),
	}
}

func (m *Manager) workerCount() int {
	if n := m.deps.Config.Worker.Count; n > 0 {
		return n
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Start brings up processors, maintenance jobs, the background drain loop
// and the HTTP server. Non-blocking.
func (m *Manager) Start() error {
	count := m.workerCount()
	for i := 0; i < count; i++ {
		p := NewProcessor(
			workerID(i),
			m.deps.Queue,
			m.deps.Service,
			m.deps.Registry,
			m.deps.Limiter,
			m.deps.Webhooks,
			m.deps.Store,
			m.deps.Config.Worker,
			m.deps.Config.App.Version,
			m.deps.Logger,
		)
		p.Run()
		m.processors = append(m.processors, p)
	}
	m.logger.Info("processors started", map[string]interface{}{"count": count})

	m.deps.Service.Start()

	if err := m.startCron(); err != nil {
		return err
	}
	m.startHTTP()
	return nil
}

func workerID(i int) string {
	return fmt.Sprintf("worker-%d", i+1)
}

func (m *Manager) startCron() error {
	m.cron = cron.New()

	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{"@hourly", "cache cleanup", func() {
			purged := m.deps.Cache.Cleanup()
			if purged > 0 {
				m.logger.Info("cache cleanup", map[string]interface{}{"purged": purged})
			}
		}},
		{"@every 1m", "limiter cleanup", func() {
			m.deps.Limiter.Cleanup(limiterIdleEviction)
		}},
		{"@every 1m", "provider health checks", func() {
			m.deps.Registry.CheckAll(context.Background())
		}},
		{"@daily", "queue cleanup", func() {
			if _, err := m.deps.Queue.Cleanup(context.Background()); err != nil {
				m.logger.WithError(err).Error("queue cleanup failed", nil)
			}
		}},
	}

	for _, job := range jobs {
		if _, err := m.cron.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
	}

	m.cron.Start()
	return nil
}

func (m *Manager) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	addr := m.deps.Config.App.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	m.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		m.logger.Info("health/metrics server listening", map[string]interface{}{"addr": addr})
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.WithError(err).Error("health/metrics server failed", nil)
		}
	}()
}

type healthResponse struct {
	Status  models.WorkerStatus      `json:"status"`
	Time    string                   `json:"time"`
	Service enrichment.ServiceHealth `json:"service"`
	Workers []models.WorkerHealth    `json:"workers"`
}

func (m *Manager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Time:    time.Now().UTC().Format(time.RFC3339),
		Service: m.deps.Service.Health(),
	}

	worst := models.WorkerHealthy
	for _, p := range m.processors {
		h := p.Health()
		resp.Workers = append(resp.Workers, h)
		worst = worse(worst, h.Status)
	}
	resp.Status = worse(worst, resp.Service.Status)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == models.WorkerUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func worse(a, b models.WorkerStatus) models.WorkerStatus {
	rank := map[models.WorkerStatus]int{
		models.WorkerHealthy:   0,
		models.WorkerDegraded:  1,
		models.WorkerUnhealthy: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (m *Manager) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Stop shuts everything down in dependency order: stop intake, drain the
// processors, then the ancillary loops and the HTTP server.
func (m *Manager) Stop(ctx context.Context) {
	m.logger.Info("stopping worker manager", nil)

	m.deps.Queue.Shutdown()

	var wg sync.WaitGroup
	for _, p := range m.processors {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.Stop(ctx)
		}(p)
	}
	wg.Wait()

	m.deps.Service.Stop()

	if m.cron != nil {
		cronCtx := m.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	if m.httpServer != nil {
		if err := m.httpServer.Shutdown(ctx); err != nil {
			m.logger.WithError(err).Warn("http server shutdown failed", nil)
		}
	}

	m.logger.Info("worker manager stopped", nil)
}
