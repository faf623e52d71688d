package provider

import (
	"context"
	"sync"
	"time"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
)

// Health is the registry's view of one provider.
type Health struct {
	IsHealthy  bool      `json:"isHealthy"`
	LastCheck  time.Time `json:"lastCheck"`
	ErrorCount int       `json:"errorCount"`
	LastError  string    `json:"lastError,omitempty"`
}

// Registry holds the registered adapters and tracks per-provider health.
// Adapters are registered once at startup; health mutates under the lock.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	health   map[string]*Health
	logger   logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		health:   make(map[string]*Health),
		logger:   log.WithFields(map[string]interface{}{"component": "provider-registry"}),
	}
}

// Register adds an adapter. New providers start healthy until proven
// otherwise.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.Spec().ID
	if _, exists := r.adapters[id]; !exists {
		r.order = append(r.order, id)
	}
	r.adapters[id] = a
	r.health[id] = &Health{IsHealthy: true}
}

// Get resolves an adapter by id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, apperrors.NewUnknownProviderError(id)
	}
	return a, nil
}

// CheckHealth issues the adapter's synthetic call and records the outcome.
func (r *Registry) CheckHealth(ctx context.Context, id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}

	err = a.HealthCheck(ctx)

	r.mu.Lock()
	h := r.health[id]
	h.LastCheck = time.Now().UTC()
	if err != nil {
		h.IsHealthy = false
		h.ErrorCount++
		h.LastError = err.Error()
	} else {
		h.IsHealthy = true
		h.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("provider unhealthy", map[string]interface{}{
			"providerId": id,
			"error":      err.Error(),
		})
	}
	return err
}

// CheckAll runs health checks for every registered provider.
func (r *Registry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.CheckHealth(ctx, id)
	}
}

// RecordSuccess feeds live traffic outcomes back into health tracking.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[id]; ok {
		h.IsHealthy = true
		h.LastError = ""
	}
}

// RecordFailure marks a provider unhealthy after a live call failed.
func (r *Registry) RecordFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[id]; ok {
		h.IsHealthy = false
		h.ErrorCount++
		if err != nil {
			h.LastError = err.Error()
		}
	}
}

// Health returns a copy of the provider's health record.
func (r *Registry) Health(id string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// HealthyProviders lists healthy provider ids, optionally filtered by
// capability type, in registration order.
func (r *Registry) HealthyProviders(providerType models.ProviderType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.order {
		if providerType != "" && r.adapters[id].Spec().Type != providerType {
			continue
		}
		if h := r.health[id]; h != nil && h.IsHealthy {
			out = append(out, id)
		}
	}
	return out
}

// Fallback returns another healthy provider of the same capability, or ""
// when none exists.
func (r *Registry) Fallback(primaryID string, providerType models.ProviderType) string {
	for _, id := range r.HealthyProviders(providerType) {
		if id != primaryID {
			return id
		}
	}
	return ""
}

// Snapshot returns health keyed by provider id for service-level reporting.
func (r *Registry) Snapshot() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Health, len(r.health))
	for id, h := range r.health {
		out[id] = *h
	}
	return out
}

// Size returns the number of registered providers.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
