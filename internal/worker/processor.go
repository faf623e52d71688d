// Package worker runs the job processors and the manager that supervises
// them.
package worker

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/common/metrics"
	"enrichment-workers/internal/enrichment"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
	"enrichment-workers/internal/ratelimit"
	"enrichment-workers/internal/webhook"
)

// Queue is the slice of the queue manager a processor uses.
type Queue interface {
	Dequeue(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job, result json.RawMessage) error
	Fail(ctx context.Context, job *models.Job, jobErr error) error
	Retry(ctx context.Context, job *models.Job, jobErr error) error
	Reschedule(ctx context.Context, job *models.Job, retryAfter time.Duration) error
}

// EnrichmentService is the facade surface the job handlers call into.
type EnrichmentService interface {
	EnrichLead(ctx context.Context, req *models.EnrichmentRequest) (*models.EnrichmentResult, error)
	EnrichBatch(ctx context.Context, reqs []*models.EnrichmentRequest, stopOnError bool) (*enrichment.BatchOutcome, error)
	ValidateEmail(ctx context.Context, workspaceID, providerID, email string) (*models.EnrichmentResult, error)
	GetCompanyInfo(ctx context.Context, workspaceID, providerID, domain string) (*models.EnrichmentResult, error)
}

// HeartbeatStore persists worker health snapshots.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, h *models.WorkerHealth) error
}

// Processor polls the queue and runs jobs up to its concurrency cap.
type Processor struct {
	id         string
	queue      Queue
	service    EnrichmentService
	registry   *provider.Registry
	limiter    *ratelimit.Limiter
	webhooks   *webhook.Notifier
	heartbeats HeartbeatStore
	cfg        config.WorkerConfig
	version    string
	logger     logger.Logger

	active    int64
	processed int64
	startedAt time.Time

	stopCh chan struct{}
	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup
}

func NewProcessor(id string, q Queue, svc EnrichmentService, registry *provider.Registry, limiter *ratelimit.Limiter, webhooks *webhook.Notifier, heartbeats HeartbeatStore, cfg config.WorkerConfig, version string, log logger.Logger) *Processor {
	return &Processor{
		id:         id,
		queue:      q,
		service:    svc,
		registry:   registry,
		limiter:    limiter,
		webhooks:   webhooks,
		heartbeats: heartbeats,
		cfg:        cfg,
		version:    version,
		logger:     log.WithFields(map[string]interface{}{"workerId": id}),
		stopCh:     make(chan struct{}),
	}
}

// Run starts the poll and health loops. Non-blocking.
func (p *Processor) Run() {
	p.startedAt = time.Now()

	p.loopWg.Add(2)
	go p.pollLoop()
	go p.healthLoop()

	p.logger.Info("processor started", map[string]interface{}{
		"maxConcurrentJobs": p.cfg.MaxConcurrentJobs,
	})
}

func (p *Processor) pollLoop() {
	defer p.loopWg.Done()

	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// pollOnce dequeues until the concurrency cap is hit or the queue runs dry.
func (p *Processor) pollOnce() {
	ctx := context.Background()

	for atomic.LoadInt64(&p.active) < int64(p.cfg.MaxConcurrentJobs) {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrCodeQueueShutdown) {
				p.logger.WithError(err).Error("dequeue failed", nil)
			}
			return
		}
		if job == nil {
			return
		}

		if !p.admit(ctx, job) {
			continue
		}

		atomic.AddInt64(&p.active, 1)
		metrics.JobsActive.WithLabelValues(p.id).Inc()
		p.jobWg.Add(1)
		go p.process(ctx, job)
	}
}

// admit applies the dispatch-side provider rate limit. A throttled job goes
// back on the queue at the window boundary without spending a retry.
func (p *Processor) admit(ctx context.Context, job *models.Job) bool {
	providerID := providerOf(job)
	if providerID == "" {
		return true
	}

	adapter, err := p.registry.Get(providerID)
	if err != nil {
		// Unknown provider fails inside the handler with a precise error.
		return true
	}

	decision := p.limiter.Check(providerID, adapter.Spec().RateLimits)
	if decision.Allowed {
		return true
	}

	metrics.RateLimitRejections.WithLabelValues(providerID).Inc()
	if err := p.queue.Reschedule(ctx, job, decision.RetryAfter); err != nil {
		p.logger.WithError(err).Error("throttled job reschedule failed", map[string]interface{}{
			"jobId": job.ID,
		})
	}
	return false
}

// providerOf extracts the target provider from the payload, if any.
func providerOf(job *models.Job) string {
	var peek struct {
		ProviderID string `json:"providerId"`
	}
	if err := json.Unmarshal(job.Payload, &peek); err != nil {
		return ""
	}
	return peek.ProviderID
}

func (p *Processor) process(ctx context.Context, job *models.Job) {
	defer p.jobWg.Done()
	defer func() {
		atomic.AddInt64(&p.active, -1)
		metrics.JobsActive.WithLabelValues(p.id).Dec()
	}()

	start := time.Now()
	result, err := p.dispatch(ctx, job)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.handleFailure(ctx, job, err)
		return
	}

	if completeErr := p.queue.Complete(ctx, job, result); completeErr != nil {
		p.logger.WithError(completeErr).Error("job completion persist failed", map[string]interface{}{
			"jobId": job.ID,
		})
		return
	}

	atomic.AddInt64(&p.processed, 1)
	job.Status = models.JobStatusCompleted
	job.Result = result
	p.webhooks.Notify(ctx, job.WebhookURL, job)
}

func (p *Processor) handleFailure(ctx context.Context, job *models.Job, jobErr error) {
	p.logger.WithError(jobErr).Warn("job failed", map[string]interface{}{
		"jobId":      job.ID,
		"jobType":    string(job.Type),
		"retryCount": job.RetryCount,
	})

	var persistErr error
	if !apperrors.IsRetryable(jobErr) {
		job.Status = models.JobStatusFailed
		persistErr = p.queue.Fail(ctx, job, jobErr)
	} else if job.RetryCount >= job.MaxRetries {
		job.Status = models.JobStatusDeadLetter
		persistErr = p.queue.Retry(ctx, job, jobErr)
	} else {
		job.Status = models.JobStatusRetrying
		persistErr = p.queue.Retry(ctx, job, jobErr)
	}
	if persistErr != nil {
		p.logger.WithError(persistErr).Error("job failure persist failed", map[string]interface{}{
			"jobId": job.ID,
		})
	}

	job.Error = jobErr.Error()
	if job.Status != models.JobStatusRetrying {
		p.webhooks.Notify(ctx, job.WebhookURL, job)
	}
}

type enrichLeadPayload struct {
	LeadID     string            `json:"leadId"`
	ProviderID string            `json:"providerId"`
	Input      map[string]string `json:"input"`
}

type enrichBatchPayload struct {
	Requests    []enrichLeadPayload `json:"requests"`
	StopOnError bool                `json:"stopOnError"`
}

type validateEmailPayload struct {
	Email      string `json:"email"`
	ProviderID string `json:"providerId"`
}

type updateCompanyPayload struct {
	Domain     string `json:"domain"`
	LeadID     string `json:"leadId"`
	ProviderID string `json:"providerId"`
}

type discoverSocialPayload struct {
	LeadID     string            `json:"leadId"`
	ProviderID string            `json:"providerId"`
	Input      map[string]string `json:"input"`
}

// dispatch routes a job to its type handler and marshals the outcome.
func (p *Processor) dispatch(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	switch job.Type {
	case models.JobTypeEnrichLead:
		var payload enrichLeadPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, apperrors.NewValidationFailedError(err.Error())
		}
		result, err := p.service.EnrichLead(ctx, &models.EnrichmentRequest{
			WorkspaceID: job.WorkspaceID,
			LeadID:      payload.LeadID,
			ProviderID:  payload.ProviderID,
			InputData:   payload.Input,
			Priority:    job.Priority,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case models.JobTypeEnrichBatch:
		var payload enrichBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, apperrors.NewValidationFailedError(err.Error())
		}
		reqs := make([]*models.EnrichmentRequest, 0, len(payload.Requests))
		for _, r := range payload.Requests {
			reqs = append(reqs, &models.EnrichmentRequest{
				WorkspaceID: job.WorkspaceID,
				LeadID:      r.LeadID,
				ProviderID:  r.ProviderID,
				InputData:   r.Input,
				Priority:    job.Priority,
			})
		}
		outcome, err := p.service.EnrichBatch(ctx, reqs, payload.StopOnError)
		if err != nil {
			return nil, err
		}
		return json.Marshal(outcome)

	case models.JobTypeValidateEmail:
		var payload validateEmailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, apperrors.NewValidationFailedError(err.Error())
		}
		result, err := p.service.ValidateEmail(ctx, job.WorkspaceID, payload.ProviderID, payload.Email)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case models.JobTypeUpdateCompany:
		var payload updateCompanyPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, apperrors.NewValidationFailedError(err.Error())
		}
		result, err := p.service.GetCompanyInfo(ctx, job.WorkspaceID, payload.ProviderID, payload.Domain)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case models.JobTypeDiscoverSocial:
		var payload discoverSocialPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, apperrors.NewValidationFailedError(err.Error())
		}
		providerID := payload.ProviderID
		if providerID == "" {
			healthy := p.registry.HealthyProviders(models.ProviderTypeSocialProfiles)
			if len(healthy) == 0 {
				return nil, apperrors.NewNoHealthyProviderError(string(models.ProviderTypeSocialProfiles))
			}
			providerID = healthy[0]
		}
		result, err := p.service.EnrichLead(ctx, &models.EnrichmentRequest{
			WorkspaceID: job.WorkspaceID,
			LeadID:      payload.LeadID,
			ProviderID:  providerID,
			InputData:   payload.Input,
			Priority:    job.Priority,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, apperrors.NewValidationFailedError("unknown job type: " + string(job.Type))
	}
}

// Health snapshots the processor's current state.
func (p *Processor) Health() models.WorkerHealth {
	active := atomic.LoadInt64(&p.active)
	max := int64(p.cfg.MaxConcurrentJobs)
	if max <= 0 {
		max = 1
	}
	loadRatio := float64(active) / float64(max)

	status := models.WorkerHealthy
	switch {
	case loadRatio > 0.95:
		status = models.WorkerUnhealthy
	case loadRatio >= 0.9:
		status = models.WorkerDegraded
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return models.WorkerHealth{
		WorkerID:      p.id,
		Status:        status,
		Heartbeat:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Processed:     atomic.LoadInt64(&p.processed),
		LoadRatio:     loadRatio,
		MemoryBytes:   mem.Alloc,
		Version:       p.version,
	}
}

func (p *Processor) healthLoop() {
	defer p.loopWg.Done()

	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			h := p.Health()
			if err := p.heartbeats.UpsertHeartbeat(context.Background(), &h); err != nil {
				p.logger.WithError(err).Warn("heartbeat upsert failed", nil)
			}
		}
	}
}

// Stop halts dequeuing and drains in-flight jobs up to the grace period.
func (p *Processor) Stop(ctx context.Context) {
	close(p.stopCh)
	p.loopWg.Wait()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		p.jobWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("processor drained", map[string]interface{}{
			"processed": atomic.LoadInt64(&p.processed),
		})
	case <-time.After(grace):
		p.logger.Warn("shutdown grace expired with jobs in flight", map[string]interface{}{
			"active": atomic.LoadInt64(&p.active),
		})
	case <-ctx.Done():
	}

	// Final heartbeat so operators see the clean exit.
	h := p.Health()
	if err := p.heartbeats.UpsertHeartbeat(context.Background(), &h); err != nil {
		p.logger.WithError(err).Warn("final heartbeat failed", nil)
	}
}
