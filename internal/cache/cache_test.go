package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.CacheConfig{
		DefaultTTL: time.Hour,
		KeyPrefix:  "enrich:cache",
	}
	return New(rdb, cfg, logger.NewNoOpLogger()), mr
}

func testResult() *models.EnrichmentResult {
	return &models.EnrichmentResult{
		ID:         "res-1",
		ProviderID: "apollo",
		DataType:   models.ProviderTypeCompanyData,
		Data:       map[string]interface{}{"company": "Acme Inc"},
		Confidence: 0.85,
	}
}

func TestKey_ParameterOrderIndependent(t *testing.T) {
	a := map[string]string{"domain": "acme.com", "country": "US", "name": "Acme"}
	b := map[string]string{"name": "Acme", "domain": "acme.com", "country": "US"}

	keyA := Key("apollo", models.ProviderTypeCompanyData, a)
	keyB := Key("apollo", models.ProviderTypeCompanyData, b)
	assert.Equal(t, keyA, keyB)
}

func TestKey_VariesWithInputs(t *testing.T) {
	params := map[string]string{"domain": "acme.com"}

	base := Key("apollo", models.ProviderTypeCompanyData, params)
	assert.NotEqual(t, base, Key("hunter", models.ProviderTypeCompanyData, params))
	assert.NotEqual(t, base, Key("apollo", models.ProviderTypeEmailFinder, params))
	assert.NotEqual(t, base, Key("apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "other.com"}))
}

func TestGetSet_RoundTrip(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"domain": "acme.com"}

	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, params, testResult(), 0))

	got, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
	require.True(t, ok)
	assert.Equal(t, "Acme Inc", got.Data["company"])
	assert.Equal(t, 0.85, got.Confidence)
}

func TestGet_BackfillsMemoryFromRedis(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"domain": "acme.com"}

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, params, testResult(), time.Hour))

	// Drop the memory tier; the entry must come back from Redis.
	m.mu.Lock()
	m.mem = make(map[string]memEntry)
	m.mu.Unlock()
	assert.Equal(t, 0, m.Len())

	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
	require.True(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestGet_RecordsHitCount(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"domain": "acme.com"}

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, params, testResult(), time.Hour))

	// Force persistent-tier reads.
	for i := 0; i < 3; i++ {
		m.mu.Lock()
		m.mem = make(map[string]memEntry)
		m.mu.Unlock()
		_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
		require.True(t, ok)
	}

	key := Key("apollo", models.ProviderTypeCompanyData, params)
	hits, err := mr.Get("enrich:cache:" + key + ":hits")
	require.NoError(t, err)
	assert.Equal(t, "3", hits)
}

func TestSet_ReportsCacheUnavailable(t *testing.T) {
	m, mr := setupManager(t)
	mr.Close()

	err := m.Set(context.Background(), "apollo", models.ProviderTypeCompanyData,
		map[string]string{"domain": "acme.com"}, testResult(), time.Minute)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCacheUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestGet_MissLeavesNoHitCounter(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"domain": "never-cached.com"}

	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
	require.False(t, ok)

	key := Key("apollo", models.ProviderTypeCompanyData, params)
	assert.False(t, mr.Exists("enrich:cache:"+key+":hits"))
}

func TestGet_HitCounterExpiresWithEntry(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"domain": "acme.com"}

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, params, testResult(), time.Minute))

	m.mu.Lock()
	m.mem = make(map[string]memEntry)
	m.mu.Unlock()
	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, params)
	require.True(t, ok)

	key := Key("apollo", models.ProviderTypeCompanyData, params)
	assert.Greater(t, mr.TTL("enrich:cache:"+key+":hits"), time.Duration(0))
}

func TestGet_ExpiredEntriesInvisible(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	params := map[string]string{"email": "jane@acme.com"}

	require.NoError(t, m.Set(ctx, "hunter", models.ProviderTypeEmailFinder, params, testResult(), time.Second))

	mr.FastForward(2 * time.Second)
	m.mu.Lock()
	for k, e := range m.mem {
		e.expiresAt = time.Now().Add(-time.Minute)
		m.mem[k] = e
	}
	m.mu.Unlock()

	_, ok := m.Get(ctx, "hunter", models.ProviderTypeEmailFinder, params)
	assert.False(t, ok)
}

func TestInvalidate_ByProvider(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"}, testResult(), time.Hour))
	require.NoError(t, m.Set(ctx, "hunter", models.ProviderTypeEmailFinder, map[string]string{"email": "x@a.com"}, testResult(), time.Hour))

	require.NoError(t, m.Invalidate(ctx, "apollo", ""))

	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"})
	assert.False(t, ok)
	_, ok = m.Get(ctx, "hunter", models.ProviderTypeEmailFinder, map[string]string{"email": "x@a.com"})
	assert.True(t, ok)
}

func TestInvalidate_All(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"}, testResult(), time.Hour))
	require.NoError(t, m.Set(ctx, "hunter", models.ProviderTypeEmailFinder, map[string]string{"email": "x@a.com"}, testResult(), time.Hour))

	require.NoError(t, m.Invalidate(ctx, "", ""))

	assert.Equal(t, 0, m.Len())
	_, ok := m.Get(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"})
	assert.False(t, ok)
}

func TestCleanup_PurgesExpiredMemoryEntries(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"}, testResult(), time.Hour))
	require.NoError(t, m.Set(ctx, "apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "b.com"}, testResult(), time.Hour))

	m.mu.Lock()
	for k, e := range m.mem {
		if k == Key("apollo", models.ProviderTypeCompanyData, map[string]string{"domain": "a.com"}) {
			e.expiresAt = time.Now().Add(-time.Minute)
			m.mem[k] = e
		}
	}
	m.mu.Unlock()

	purged := m.Cleanup()
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, m.Len())
}
