package enrichment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
)

// Orchestrator drives individual provider calls and combines their results.
// Credit metering and persistence stay out of here; the service facade owns
// those.
type Orchestrator struct {
	registry *provider.Registry
	logger   logger.Logger
}

func NewOrchestrator(registry *provider.Registry, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		logger:   log.WithFields(map[string]interface{}{"component": "orchestrator"}),
	}
}

// EnrichWithProvider runs one enrichment against the named provider. On
// failure it tries exactly one healthy same-type fallback; fallbacks never
// chain.
func (o *Orchestrator) EnrichWithProvider(ctx context.Context, providerID string, input map[string]string) (*models.EnrichmentResult, error) {
	result, err := o.enrichOnce(ctx, providerID, input)
	if err == nil {
		return result, nil
	}

	adapter, getErr := o.registry.Get(providerID)
	if getErr != nil {
		return nil, err
	}

	fallbackID := o.registry.Fallback(providerID, adapter.Spec().Type)
	if fallbackID == "" {
		return nil, err
	}

	o.logger.Warn("provider failed, trying fallback", map[string]interface{}{
		"providerId": providerID,
		"fallbackId": fallbackID,
		"error":      err.Error(),
	})
	return o.enrichOnce(ctx, fallbackID, input)
}

func (o *Orchestrator) enrichOnce(ctx context.Context, providerID string, input map[string]string) (*models.EnrichmentResult, error) {
	adapter, err := o.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	spec := adapter.Spec()

	start := time.Now()
	raw, err := adapter.EnrichLead(ctx, input)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		o.registry.RecordFailure(providerID, err)
		return nil, err
	}
	o.registry.RecordSuccess(providerID)

	data := Normalize(spec.Type, raw.Data)
	confidence := raw.Confidence
	if confidence == 0 {
		confidence = ConfidenceScore(spec.Type, data, spec.ReputationBonus)
	}

	return &models.EnrichmentResult{
		ID:               uuid.NewString(),
		ProviderID:       providerID,
		DataType:         spec.Type,
		Data:             data,
		Confidence:       confidence,
		Verification:     raw.Verification,
		SourceURL:        raw.SourceURL,
		ProcessingTimeMs: elapsed,
		CreditsUsed:      spec.CostPerRequest,
	}, nil
}

// EnrichFromMultipleProviders fans out to every named provider concurrently.
// Failed providers are logged and dropped; callers get whatever succeeded.
func (o *Orchestrator) EnrichFromMultipleProviders(ctx context.Context, providerIDs []string, input map[string]string) []*models.EnrichmentResult {
	var (
		mu      sync.Mutex
		results []*models.EnrichmentResult
		wg      sync.WaitGroup
	)

	for _, id := range providerIDs {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()

			result, err := o.enrichOnce(ctx, providerID, input)
			if err != nil {
				o.logger.Warn("provider dropped from fan-out", map[string]interface{}{
					"providerId": providerID,
					"error":      err.Error(),
				})
				return
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return results
}

// MergeResults combines fan-out results into one. The highest-confidence
// result seeds the merge; lower-confidence results only fill fields the seed
// left absent. Confidence is the arithmetic mean; time and credits sum.
func (o *Orchestrator) MergeResults(results []*models.EnrichmentResult) (*models.EnrichmentResult, error) {
	if len(results) == 0 {
		return nil, apperrors.NewEmptyMergeInputError()
	}

	sorted := make([]*models.EnrichmentResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	top := sorted[0]
	merged := &models.EnrichmentResult{
		ID:           uuid.NewString(),
		ProviderID:   top.ProviderID,
		DataType:     top.DataType,
		Data:         make(map[string]interface{}, len(top.Data)),
		Verification: top.Verification,
		SourceURL:    top.SourceURL,
	}

	var confidenceSum float64
	for _, r := range sorted {
		for k, v := range r.Data {
			if _, present := merged.Data[k]; !present {
				merged.Data[k] = v
			}
		}
		confidenceSum += r.Confidence
		merged.ProcessingTimeMs += r.ProcessingTimeMs
		merged.CreditsUsed += r.CreditsUsed
	}
	merged.Confidence = confidenceSum / float64(len(sorted))

	return merged, nil
}
