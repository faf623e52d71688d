package enrichment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
)

func finderSpec(id string, cost int) models.Provider {
	return models.Provider{
		ID:             id,
		Name:           id,
		Type:           models.ProviderTypeEmailFinder,
		BaseURL:        "http://" + id + ".test",
		CostPerRequest: cost,
		Active:         true,
	}
}

func newTestOrchestrator(t *testing.T, adapters ...provider.Adapter) (*Orchestrator, *provider.Registry) {
	t.Helper()
	reg := provider.NewRegistry(logger.NewTestLogger(t))
	for _, a := range adapters {
		reg.Register(a)
	}
	return NewOrchestrator(reg, logger.NewTestLogger(t)), reg
}

func TestEnrichWithProviderSuccess(t *testing.T) {
	mock := provider.NewMock(finderSpec("primary", 2))
	mock.EnrichLeadFunc = func(ctx context.Context, input map[string]string) (*provider.Result, error) {
		return &provider.Result{
			Data:       map[string]interface{}{"email_address": "jane@acme.test"},
			Confidence: 0.88,
		}, nil
	}
	orch, _ := newTestOrchestrator(t, mock)

	result, err := orch.EnrichWithProvider(context.Background(), "primary", map[string]string{"name": "Jane"})
	require.NoError(t, err)

	assert.Equal(t, "primary", result.ProviderID)
	assert.Equal(t, models.ProviderTypeEmailFinder, result.DataType)
	assert.Equal(t, "jane@acme.test", result.Data["email"])
	assert.Equal(t, 0.88, result.Confidence)
	assert.Equal(t, 2, result.CreditsUsed)
}

func TestEnrichWithProviderAuthFallback(t *testing.T) {
	primary := provider.NewMock(finderSpec("primary", 1))
	primary.EnrichLeadFunc = func(context.Context, map[string]string) (*provider.Result, error) {
		return nil, apperrors.NewProviderAuthFailedError("primary")
	}
	fallback := provider.NewMock(finderSpec("fallback", 3))

	orch, reg := newTestOrchestrator(t, primary, fallback)

	result, err := orch.EnrichWithProvider(context.Background(), "primary", map[string]string{"name": "Jane"})
	require.NoError(t, err)

	assert.Equal(t, "fallback", result.ProviderID)
	assert.Equal(t, 1, primary.Calls(provider.EndpointEnrichLead))
	assert.Equal(t, 1, fallback.Calls(provider.EndpointEnrichLead))

	// The failing primary is now marked unhealthy.
	h, _ := reg.Health("primary")
	assert.False(t, h.IsHealthy)
}

func TestEnrichWithProviderFallbackNeverChains(t *testing.T) {
	broken1 := provider.Failing(finderSpec("broken-1", 1), apperrors.NewProviderTimeoutError("broken-1"))
	broken2 := provider.Failing(finderSpec("broken-2", 1), apperrors.NewProviderTimeoutError("broken-2"))
	healthy := provider.NewMock(finderSpec("healthy", 1))

	orch, reg := newTestOrchestrator(t, broken1, broken2, healthy)
	// broken-2 is the registration-order fallback for broken-1; its own
	// failure must not cascade into a second hop.
	reg.RecordFailure("healthy", apperrors.NewProviderTimeoutError("healthy"))
	reg.RecordSuccess("broken-2")

	_, err := orch.EnrichWithProvider(context.Background(), "broken-1", map[string]string{"name": "Jane"})
	require.Error(t, err)
	assert.Equal(t, 1, broken1.Calls(provider.EndpointEnrichLead))
	assert.Equal(t, 1, broken2.Calls(provider.EndpointEnrichLead))
	assert.Equal(t, 0, healthy.Calls(provider.EndpointEnrichLead))
}

func TestEnrichWithProviderUnknown(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	_, err := orch.EnrichWithProvider(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnknownProvider, apperrors.CodeOf(err))
}

func TestEnrichFromMultipleProvidersDropsFailures(t *testing.T) {
	good := provider.NewMock(finderSpec("good", 1))
	bad := provider.Failing(finderSpec("bad", 1), apperrors.NewProviderTimeoutError("bad"))

	orch, _ := newTestOrchestrator(t, good, bad)
	results := orch.EnrichFromMultipleProviders(context.Background(),
		[]string{"good", "bad"}, map[string]string{"name": "Jane"})

	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].ProviderID)
}

func TestMergeResultsMeanAndFieldSurvival(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	results := []*models.EnrichmentResult{
		{
			ProviderID: "low",
			Confidence: 0.6,
			Data: map[string]interface{}{
				"email":    "low@acme.test",
				"position": "Engineer",
			},
			ProcessingTimeMs: 120,
			CreditsUsed:      1,
		},
		{
			ProviderID: "high",
			Confidence: 0.9,
			Data: map[string]interface{}{
				"email": "high@acme.test",
			},
			ProcessingTimeMs: 80,
			CreditsUsed:      2,
		},
	}

	merged, err := orch.MergeResults(results)
	require.NoError(t, err)

	// Conflicting field: highest confidence wins. Absent field: filled in.
	assert.Equal(t, "high@acme.test", merged.Data["email"])
	assert.Equal(t, "Engineer", merged.Data["position"])
	assert.Equal(t, "high", merged.ProviderID)
	assert.InDelta(t, 0.75, merged.Confidence, 0.001)
	assert.Equal(t, int64(200), merged.ProcessingTimeMs)
	assert.Equal(t, 3, merged.CreditsUsed)

	// Input untouched by the merge.
	assert.Equal(t, 0.6, results[0].Confidence)
}

func TestMergeResultsEmptyInput(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	_, err := orch.MergeResults(nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmptyMergeInput, apperrors.CodeOf(err))
}

func TestMergeResultsSingle(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	merged, err := orch.MergeResults([]*models.EnrichmentResult{
		{ProviderID: "only", Confidence: 0.7, Data: map[string]interface{}{"email": "a@b.test"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, merged.Confidence)
	assert.Equal(t, "a@b.test", merged.Data["email"])
}
