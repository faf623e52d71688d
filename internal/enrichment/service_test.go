package enrichment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/provider"
)

// fakeStorage keeps credit balances under a mutex so the atomic SQL
// check-and-debit contract can be exercised concurrently.
type fakeStorage struct {
	mu       sync.Mutex
	credits  map[string]int
	requests []*models.EnrichmentRequest
	results  []*models.EnrichmentResult
	statuses map[string]models.RequestStatus
	enriched int
}

func newFakeStorage(credits map[string]int) *fakeStorage {
	return &fakeStorage{
		credits:  credits,
		statuses: make(map[string]models.RequestStatus),
	}
}

func (f *fakeStorage) InsertRequest(_ context.Context, req *models.EnrichmentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeStorage) MarkRequest(_ context.Context, requestID string, status models.RequestStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[requestID] = status
	return nil
}

func (f *fakeStorage) InsertResult(_ context.Context, res *models.EnrichmentResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeStorage) AppendEnrichedData(_ context.Context, _ string, _ models.ProviderType, _ map[string]interface{}, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enriched++
	return nil
}

func (f *fakeStorage) DebitCredits(_ context.Context, workspaceID string, cost int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits[workspaceID] < cost {
		return apperrors.NewInsufficientCreditsError(workspaceID, cost)
	}
	f.credits[workspaceID] -= cost
	return nil
}

func (f *fakeStorage) RefundCredits(_ context.Context, workspaceID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[workspaceID] += amount
	return nil
}

func (f *fakeStorage) balance(workspaceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[workspaceID]
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*models.EnrichmentResult
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*models.EnrichmentResult)}
}

func (f *fakeCache) key(providerID string, queryType models.ProviderType, params map[string]string) string {
	return fmt.Sprintf("%s:%s:%v", providerID, queryType, params)
}

func (f *fakeCache) Get(_ context.Context, providerID string, queryType models.ProviderType, params map[string]string) (*models.EnrichmentResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.entries[f.key(providerID, queryType, params)]
	return r, ok
}

func (f *fakeCache) Set(_ context.Context, providerID string, queryType models.ProviderType, params map[string]string, result *models.EnrichmentResult, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[f.key(providerID, queryType, params)] = result
	return nil
}

func (f *fakeCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestService(t *testing.T, credits map[string]int, adapters ...provider.Adapter) (*Service, *fakeStorage, *fakeCache) {
	t.Helper()

	reg := provider.NewRegistry(logger.NewNoOpLogger())
	for _, a := range adapters {
		reg.Register(a)
	}
	store := newFakeStorage(credits)
	cache := newFakeCache()
	cfg := config.EnrichmentConfig{
		BatchMaxConcurrency:  5,
		QueueDrainInterval:   5 * time.Second,
		QueueDrainBatchSize:  10,
		QueueDrainConcurrent: 3,
	}

	svc := NewService(store, cache, reg, NewOrchestrator(reg, logger.NewNoOpLogger()),
		cfg, time.Hour, logger.NewNoOpLogger())
	return svc, store, cache
}

func leadRequest(workspaceID, providerID string, input map[string]string) *models.EnrichmentRequest {
	return &models.EnrichmentRequest{
		WorkspaceID: workspaceID,
		LeadID:      "lead-1",
		ProviderID:  providerID,
		InputData:   input,
		Priority:    models.PriorityNormal,
	}
}

func TestEnrichLeadHappyPath(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 2))
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 10}, mock)

	result, err := svc.EnrichLead(context.Background(),
		leadRequest("ws-1", "finder", map[string]string{"name": "Jane"}))
	require.NoError(t, err)

	assert.Equal(t, "jane@acme.test", result.Data["email"])
	assert.Equal(t, 2, result.CreditsUsed)
	assert.Equal(t, 8, store.balance("ws-1"))

	require.Len(t, store.requests, 1)
	assert.Equal(t, models.RequestStatusCompleted, store.statuses[store.requests[0].ID])
	require.Len(t, store.results, 1)
	assert.Equal(t, 1, store.enriched)
}

func TestEnrichLeadCacheIdempotence(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 2))
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 10}, mock)

	input := map[string]string{"name": "Jane", "domain": "acme.test"}
	first, err := svc.EnrichLead(context.Background(), leadRequest("ws-1", "finder", input))
	require.NoError(t, err)
	second, err := svc.EnrichLead(context.Background(), leadRequest("ws-1", "finder", input))
	require.NoError(t, err)

	// One provider call, one debit; the repeat was served from cache.
	assert.Equal(t, 1, mock.Calls(provider.EndpointEnrichLead))
	assert.Equal(t, 8, store.balance("ws-1"))
	assert.Equal(t, first.ID, second.ID)
}

func TestEnrichLeadInsufficientCredits(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 5))
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 3}, mock)

	_, err := svc.EnrichLead(context.Background(),
		leadRequest("ws-1", "finder", map[string]string{"name": "Jane"}))
	require.Error(t, err)

	assert.Equal(t, apperrors.ErrCodeInsufficientCredits, apperrors.CodeOf(err))
	assert.Equal(t, 0, mock.Calls(provider.EndpointEnrichLead))
	assert.Equal(t, 3, store.balance("ws-1"))
}

func TestEnrichLeadRefundOnFailure(t *testing.T) {
	broken := provider.Failing(finderSpec("finder", 4), apperrors.NewProviderTimeoutError("finder"))
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 10}, broken)

	_, err := svc.EnrichLead(context.Background(),
		leadRequest("ws-1", "finder", map[string]string{"name": "Jane"}))
	require.Error(t, err)

	// Full refund on total failure, and the audit row carries no spend.
	assert.Equal(t, 10, store.balance("ws-1"))
	require.Len(t, store.results, 1)
	assert.NotEmpty(t, store.results[0].Error)
	assert.Zero(t, store.results[0].Confidence)
	assert.Zero(t, store.results[0].CreditsUsed)
	assert.Equal(t, models.RequestStatusFailed, store.statuses[store.requests[0].ID])
}

func TestEnrichLeadCreditRace(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 1))
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 10}, mock)

	const calls = 15
	errs := make([]error, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct inputs keep every call off the cache path.
			_, errs[i] = svc.EnrichLead(context.Background(),
				leadRequest("ws-1", "finder", map[string]string{"name": fmt.Sprintf("lead-%d", i)}))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, apperrors.ErrCodeInsufficientCredits, apperrors.CodeOf(err))
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, store.balance("ws-1"))
}

func TestEnrichBatchStopOnError(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 1))
	calls := 0
	var mu sync.Mutex
	mock.EnrichLeadFunc = func(context.Context, map[string]string) (*provider.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, apperrors.NewProviderTimeoutError("finder")
		}
		return &provider.Result{Data: map[string]interface{}{"email": "x@y.test"}}, nil
	}
	svc, _, _ := newTestService(t, map[string]int{"ws-1": 100}, mock)

	// Chunk size 5: the failure in chunk one stops chunk two from running.
	var reqs []*models.EnrichmentRequest
	for i := 0; i < 8; i++ {
		reqs = append(reqs, leadRequest("ws-1", "finder",
			map[string]string{"name": fmt.Sprintf("lead-%d", i)}))
	}

	outcome, err := svc.EnrichBatch(context.Background(), reqs, true)
	require.Error(t, err)
	assert.LessOrEqual(t, len(outcome.Results), 5)
	mu.Lock()
	assert.LessOrEqual(t, calls, 5)
	mu.Unlock()
}

func TestEnrichBatchCollectsFailures(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 1))
	mock.EnrichLeadFunc = func(_ context.Context, input map[string]string) (*provider.Result, error) {
		if input["name"] == "lead-3" {
			return nil, apperrors.NewProviderTimeoutError("finder")
		}
		return &provider.Result{Data: map[string]interface{}{"email": "x@y.test"}}, nil
	}
	svc, _, _ := newTestService(t, map[string]int{"ws-1": 100}, mock)

	var reqs []*models.EnrichmentRequest
	for i := 0; i < 6; i++ {
		reqs = append(reqs, leadRequest("ws-1", "finder",
			map[string]string{"name": fmt.Sprintf("lead-%d", i)}))
	}

	outcome, err := svc.EnrichBatch(context.Background(), reqs, false)
	require.NoError(t, err)
	assert.Len(t, outcome.Results, 5)
	assert.Len(t, outcome.Errors, 1)
}

func TestValidateEmailPicksHealthyProvider(t *testing.T) {
	finder := provider.NewMock(finderSpec("finder", 1))
	svc, _, _ := newTestService(t, map[string]int{"ws-1": 10}, finder)

	result, err := svc.ValidateEmail(context.Background(), "ws-1", "", "jane@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "finder", result.ProviderID)
	assert.Equal(t, 1, finder.Calls(provider.EndpointValidateEmail))
}

func TestValidateEmailNoHealthyProvider(t *testing.T) {
	company := provider.NewMock(models.Provider{
		ID: "company-only", Type: models.ProviderTypeCompanyData,
	})
	svc, _, _ := newTestService(t, map[string]int{"ws-1": 10}, company)

	_, err := svc.ValidateEmail(context.Background(), "ws-1", "", "jane@acme.test")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoHealthyProvider, apperrors.CodeOf(err))
}

func TestGetCompanyInfoCachesByDomain(t *testing.T) {
	company := provider.NewMock(models.Provider{
		ID: "companies", Type: models.ProviderTypeCompanyData, CostPerRequest: 1,
	})
	svc, store, _ := newTestService(t, map[string]int{"ws-1": 10}, company)

	_, err := svc.GetCompanyInfo(context.Background(), "ws-1", "companies", "acme.test")
	require.NoError(t, err)
	_, err = svc.GetCompanyInfo(context.Background(), "ws-1", "companies", "acme.test")
	require.NoError(t, err)

	assert.Equal(t, 1, company.Calls(provider.EndpointCompanyInfo))
	assert.Equal(t, 9, store.balance("ws-1"))
}

func TestQueueDrainRespectsWorkspaceBatch(t *testing.T) {
	mock := provider.NewMock(finderSpec("finder", 1))
	svc, _, _ := newTestService(t, map[string]int{"ws-1": 100}, mock)

	for i := 0; i < 15; i++ {
		svc.QueueEnrichment(leadRequest("ws-1", "finder",
			map[string]string{"name": fmt.Sprintf("lead-%d", i)}))
	}
	require.Equal(t, 15, svc.Backlog())

	svc.drain(context.Background())
	assert.Equal(t, 5, svc.Backlog())
	assert.Equal(t, 10, mock.Calls(provider.EndpointEnrichLead))

	svc.drain(context.Background())
	assert.Equal(t, 0, svc.Backlog())
}

func TestServiceHealthGrades(t *testing.T) {
	good := provider.NewMock(finderSpec("good", 1))
	bad := provider.NewMock(finderSpec("bad", 1))
	svc, _, _ := newTestService(t, map[string]int{}, good, bad)

	h := svc.Health()
	assert.Equal(t, models.WorkerHealthy, h.Status)

	svc.registry.RecordFailure("bad", apperrors.NewProviderTimeoutError("bad"))
	h = svc.Health()
	assert.Equal(t, models.WorkerDegraded, h.Status)

	svc.registry.RecordFailure("good", apperrors.NewProviderTimeoutError("good"))
	h = svc.Health()
	assert.Equal(t, models.WorkerUnhealthy, h.Status)
}
