package enrichment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/common/metrics"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
)

// Storage is the slice of the persistence layer the service needs.
type Storage interface {
	InsertRequest(ctx context.Context, req *models.EnrichmentRequest) error
	MarkRequest(ctx context.Context, requestID string, status models.RequestStatus) error
	InsertResult(ctx context.Context, res *models.EnrichmentResult) error
	AppendEnrichedData(ctx context.Context, leadID string, dataType models.ProviderType, data map[string]interface{}, confidence float64) error
	DebitCredits(ctx context.Context, workspaceID string, cost int) error
	RefundCredits(ctx context.Context, workspaceID string, amount int) error
}

// Cache is the two-tier result cache surface the service consumes.
type Cache interface {
	Get(ctx context.Context, providerID string, queryType models.ProviderType, params map[string]string) (*models.EnrichmentResult, bool)
	Set(ctx context.Context, providerID string, queryType models.ProviderType, params map[string]string, result *models.EnrichmentResult, ttl time.Duration) error
	Len() int
}

// Service is the enrichment facade: credit metering, caching and persistence
// wrapped around the orchestrator.
type Service struct {
	store        Storage
	cache        Cache
	registry     *provider.Registry
	orchestrator *Orchestrator
	cfg          config.EnrichmentConfig
	cacheTTL     time.Duration
	logger       logger.Logger

	mu      sync.Mutex
	pending map[string][]*models.EnrichmentRequest

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(store Storage, cache Cache, registry *provider.Registry, orch *Orchestrator, cfg config.EnrichmentConfig, cacheTTL time.Duration, log logger.Logger) *Service {
	return &Service{
		store:        store,
		cache:        cache,
		registry:     registry,
		orchestrator: orch,
		cfg:          cfg,
		cacheTTL:     cacheTTL,
		logger:       log.WithFields(map[string]interface{}{"component": "enrichment-service"}),
		pending:      make(map[string][]*models.EnrichmentRequest),
		stopCh:       make(chan struct{}),
	}
}

// EnrichLead runs one full enrichment: cache, credits, persistence and the
// orchestrated provider call. Credits debited up front are refunded when the
// whole enrichment fails, so a returned error always means zero spend.
func (s *Service) EnrichLead(ctx context.Context, req *models.EnrichmentRequest) (*models.EnrichmentResult, error) {
	adapter, err := s.registry.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	spec := adapter.Spec()

	if cached, ok := s.cache.Get(ctx, req.ProviderID, spec.Type, req.InputData); ok {
		return cached, nil
	}

	cost := spec.CostPerRequest
	if err := s.store.DebitCredits(ctx, req.WorkspaceID, cost); err != nil {
		return nil, err
	}
	metrics.CreditsDebited.WithLabelValues(req.WorkspaceID).Add(float64(cost))

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.RequestType = spec.Type
	req.Status = models.RequestStatusPending
	if err := s.store.InsertRequest(ctx, req); err != nil {
		if refundErr := s.store.RefundCredits(ctx, req.WorkspaceID, cost); refundErr != nil {
			s.logger.WithError(refundErr).Error("credit refund failed", map[string]interface{}{
				"workspaceId": req.WorkspaceID,
			})
		}
		return nil, err
	}

	result, err := s.orchestrator.EnrichWithProvider(ctx, req.ProviderID, req.InputData)
	if err != nil {
		s.failRequest(ctx, req, cost, err)
		return nil, err
	}

	result.RequestID = req.ID
	result.CreditsUsed = cost
	s.persistSuccess(ctx, req, spec.Type, result)
	return result, nil
}

// failRequest unwinds a failed enrichment: refund, terminal request status
// and a zero-confidence failure row for the audit trail.
func (s *Service) failRequest(ctx context.Context, req *models.EnrichmentRequest, cost int, cause error) {
	if err := s.store.RefundCredits(ctx, req.WorkspaceID, cost); err != nil {
		s.logger.WithError(err).Error("credit refund failed", map[string]interface{}{
			"workspaceId": req.WorkspaceID,
		})
	}
	if err := s.store.MarkRequest(ctx, req.ID, models.RequestStatusFailed); err != nil {
		s.logger.WithError(err).Error("mark request failed", nil)
	}
	failureRow := &models.EnrichmentResult{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		ProviderID: req.ProviderID,
		DataType:   req.RequestType,
		Error:      cause.Error(),
	}
	if err := s.store.InsertResult(ctx, failureRow); err != nil {
		s.logger.WithError(err).Error("persist failure row failed", nil)
	}
}

func (s *Service) persistSuccess(ctx context.Context, req *models.EnrichmentRequest, queryType models.ProviderType, result *models.EnrichmentResult) {
	if err := s.store.InsertResult(ctx, result); err != nil {
		s.logger.WithError(err).Error("persist result failed", nil)
	}
	if err := s.store.MarkRequest(ctx, req.ID, models.RequestStatusCompleted); err != nil {
		s.logger.WithError(err).Error("mark request completed failed", nil)
	}
	if err := s.cache.Set(ctx, req.ProviderID, queryType, req.InputData, result, s.cacheTTL); err != nil {
		s.logger.WithError(err).Warn("cache write-through failed", nil)
	}
	if req.LeadID != "" {
		if err := s.store.AppendEnrichedData(ctx, req.LeadID, result.DataType, result.Data, result.Confidence); err != nil {
			s.logger.WithError(err).Error("append enriched data failed", map[string]interface{}{
				"leadId": req.LeadID,
			})
		}
	}
}

// BatchOutcome collects per-request results and failures of one batch run.
type BatchOutcome struct {
	Results []*models.EnrichmentResult
	Errors  []error
}

// EnrichBatch processes requests in chunks of the configured concurrency.
// With stopOnError the first failing chunk aborts the batch and its first
// error is returned; otherwise failures accumulate in the outcome.
func (s *Service) EnrichBatch(ctx context.Context, reqs []*models.EnrichmentRequest, stopOnError bool) (*BatchOutcome, error) {
	chunkSize := s.cfg.BatchMaxConcurrency
	if chunkSize <= 0 {
		chunkSize = 5
	}

	outcome := &BatchOutcome{}
	for start := 0; start < len(reqs); start += chunkSize {
		end := start + chunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		results := make([]*models.EnrichmentResult, len(chunk))
		errs := make([]error, len(chunk))
		var wg sync.WaitGroup
		for i, req := range chunk {
			wg.Add(1)
			go func(i int, req *models.EnrichmentRequest) {
				defer wg.Done()
				results[i], errs[i] = s.EnrichLead(ctx, req)
			}(i, req)
		}
		wg.Wait()

		for i := range chunk {
			if errs[i] != nil {
				if stopOnError {
					return outcome, errs[i]
				}
				outcome.Errors = append(outcome.Errors, errs[i])
				continue
			}
			outcome.Results = append(outcome.Results, results[i])
		}
	}
	return outcome, nil
}

// resolveProvider returns the requested provider id, or the first healthy
// provider of the capability when none was requested.
func (s *Service) resolveProvider(providerID string, capability models.ProviderType) (string, error) {
	if providerID != "" {
		return providerID, nil
	}
	healthy := s.registry.HealthyProviders(capability)
	if len(healthy) == 0 {
		return "", apperrors.NewNoHealthyProviderError(string(capability))
	}
	return healthy[0], nil
}

// capabilityCall meters credits and caching around a single-capability
// provider call (email validation, email finding, company lookup).
func (s *Service) capabilityCall(ctx context.Context, workspaceID, providerID string, capability models.ProviderType, params map[string]string, invoke func(provider.Adapter) (*provider.Result, error)) (*models.EnrichmentResult, error) {
	id, err := s.resolveProvider(providerID, capability)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	spec := adapter.Spec()

	if cached, ok := s.cache.Get(ctx, id, capability, params); ok {
		return cached, nil
	}

	cost := spec.CostPerRequest
	if err := s.store.DebitCredits(ctx, workspaceID, cost); err != nil {
		return nil, err
	}
	metrics.CreditsDebited.WithLabelValues(workspaceID).Add(float64(cost))

	start := time.Now()
	raw, err := invoke(adapter)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.registry.RecordFailure(id, err)
		if refundErr := s.store.RefundCredits(ctx, workspaceID, cost); refundErr != nil {
			s.logger.WithError(refundErr).Error("credit refund failed", map[string]interface{}{
				"workspaceId": workspaceID,
			})
		}
		return nil, err
	}
	s.registry.RecordSuccess(id)

	data := Normalize(capability, raw.Data)
	confidence := raw.Confidence
	if confidence == 0 {
		confidence = ConfidenceScore(capability, data, spec.ReputationBonus)
	}
	result := &models.EnrichmentResult{
		ID:               uuid.NewString(),
		ProviderID:       id,
		DataType:         capability,
		Data:             data,
		Confidence:       confidence,
		Verification:     raw.Verification,
		SourceURL:        raw.SourceURL,
		ProcessingTimeMs: elapsed,
		CreditsUsed:      cost,
	}

	if err := s.cache.Set(ctx, id, capability, params, result, s.cacheTTL); err != nil {
		s.logger.WithError(err).Warn("cache write-through failed", nil)
	}
	return result, nil
}

// ValidateEmail checks deliverability through an email-finder provider.
func (s *Service) ValidateEmail(ctx context.Context, workspaceID, providerID, email string) (*models.EnrichmentResult, error) {
	return s.capabilityCall(ctx, workspaceID, providerID, models.ProviderTypeEmailFinder,
		map[string]string{"email": email},
		func(a provider.Adapter) (*provider.Result, error) {
			return a.ValidateEmail(ctx, email)
		})
}

// FindEmail discovers an address from name and domain hints.
func (s *Service) FindEmail(ctx context.Context, workspaceID, providerID string, input map[string]string) (*models.EnrichmentResult, error) {
	return s.capabilityCall(ctx, workspaceID, providerID, models.ProviderTypeEmailFinder,
		input,
		func(a provider.Adapter) (*provider.Result, error) {
			return a.FindEmail(ctx, input)
		})
}

// GetCompanyInfo looks up firmographic data for a domain.
func (s *Service) GetCompanyInfo(ctx context.Context, workspaceID, providerID, domain string) (*models.EnrichmentResult, error) {
	return s.capabilityCall(ctx, workspaceID, providerID, models.ProviderTypeCompanyData,
		map[string]string{"domain": domain},
		func(a provider.Adapter) (*provider.Result, error) {
			return a.GetCompanyInfo(ctx, domain)
		})
}

// QueueEnrichment accepts a request for the background drain loop. Requests
// queue per workspace so one tenant cannot starve the others.
func (s *Service) QueueEnrichment(req *models.EnrichmentRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.WorkspaceID] = append(s.pending[req.WorkspaceID], req)
}

// Backlog returns the total number of queued, undrained requests.
func (s *Service) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, reqs := range s.pending {
		total += len(reqs)
	}
	return total
}

// Start launches the background drain loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		interval := s.cfg.QueueDrainInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.drain(context.Background())
			}
		}
	}()
}

// Stop halts the drain loop. Undrained requests stay queued in memory and
// are lost on process exit; durable work belongs on the job queue.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// drain takes up to the per-tick batch from every workspace and processes
// the combined slice with bounded concurrency.
func (s *Service) drain(ctx context.Context) {
	batchSize := s.cfg.QueueDrainBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := s.cfg.QueueDrainConcurrent
	if concurrency <= 0 {
		concurrency = 3
	}

	s.mu.Lock()
	var batch []*models.EnrichmentRequest
	for ws, reqs := range s.pending {
		take := batchSize
		if take > len(reqs) {
			take = len(reqs)
		}
		batch = append(batch, reqs[:take]...)
		if take == len(reqs) {
			delete(s.pending, ws)
		} else {
			s.pending[ws] = reqs[take:]
		}
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, req := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(req *models.EnrichmentRequest) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := s.EnrichLead(ctx, req); err != nil {
				s.logger.WithError(err).Warn("queued enrichment failed", map[string]interface{}{
					"requestId":   req.ID,
					"workspaceId": req.WorkspaceID,
				})
			}
		}(req)
	}
	wg.Wait()
}

// ServiceHealth is the aggregate view exposed on the health endpoint.
type ServiceHealth struct {
	Status           models.WorkerStatus `json:"status"`
	HealthyProviders int                 `json:"healthyProviders"`
	TotalProviders   int                 `json:"totalProviders"`
	QueueBacklog     int                 `json:"queueBacklog"`
	CacheSize        int                 `json:"cacheSize"`
}

// Health grades the pipeline: all providers up is healthy, at least half up
// is degraded, anything less is unhealthy. A deep drain backlog caps the
// grade at degraded.
func (s *Service) Health() ServiceHealth {
	snapshot := s.registry.Snapshot()
	healthy := 0
	for _, h := range snapshot {
		if h.IsHealthy {
			healthy++
		}
	}

	h := ServiceHealth{
		HealthyProviders: healthy,
		TotalProviders:   len(snapshot),
		QueueBacklog:     s.Backlog(),
		CacheSize:        s.cache.Len(),
	}

	switch {
	case len(snapshot) == 0 || healthy*2 < len(snapshot):
		h.Status = models.WorkerUnhealthy
	case healthy < len(snapshot) || h.QueueBacklog > 100:
		h.Status = models.WorkerDegraded
	default:
		h.Status = models.WorkerHealthy
	}
	return h
}
