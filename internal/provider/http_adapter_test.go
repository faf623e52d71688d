package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/ratelimit"
)

func testSpec(baseURL string) models.Provider {
	return models.Provider{
		ID:      "test-provider",
		Name:    "Test Provider",
		Type:    models.ProviderTypeEmailFinder,
		BaseURL: baseURL,
		APIKey:  "secret-key",
		RateLimits: models.RateLimits{
			PerSecond: 100,
			PerMinute: 6000,
			PerHour:   100000,
		},
		CostPerRequest: 1,
		Active:         true,
	}
}

func newTestAdapter(t *testing.T, spec models.Provider) *HTTPAdapter {
	t.Helper()
	a := NewHTTPAdapter(spec, 5*time.Second, logger.NewNoOpLogger())
	a.backoffBase = time.Millisecond
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func TestHTTPAdapterEnrichLeadSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/v1/enrich", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"email":        "jane@acme.test",
			"confidence":   0.82,
			"source_url":   "https://acme.test/team",
			"verification": "verified",
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	result, err := a.EnrichLead(context.Background(), map[string]string{"name": "Jane Roe"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "Jane Roe", gotBody["name"])
	assert.Equal(t, "jane@acme.test", result.Data["email"])
	assert.Equal(t, 0.82, result.Confidence)
	assert.Equal(t, "https://acme.test/team", result.SourceURL)
	assert.Equal(t, models.VerificationVerified, result.Verification)
}

func TestHTTPAdapterAuthFailureDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	_, err := a.ValidateEmail(context.Background(), "jane@acme.test")
	require.Error(t, err)

	assert.Equal(t, apperrors.ErrCodeProviderAuthFailed, apperrors.CodeOf(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPAdapterRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"confidence": 0.5})
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	result, err := a.FindEmail(context.Background(), map[string]string{"domain": "acme.test"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 0.5, result.Confidence)
}

func TestHTTPAdapterGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	_, err := a.GetCompanyInfo(context.Background(), "acme.test")
	require.Error(t, err)

	assert.Equal(t, apperrors.ErrCodeProviderUnavailable, apperrors.CodeOf(err))
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&calls))
}

func TestHTTPAdapterUnsupportedEndpoint(t *testing.T) {
	spec := testSpec("http://unused.test")
	spec.Endpoints = map[string]string{EndpointCompanyInfo: ""}

	a := newTestAdapter(t, spec)
	_, err := a.GetCompanyInfo(context.Background(), "acme.test")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnsupportedRequest, apperrors.CodeOf(err))
}

func TestHTTPAdapterCustomEndpointPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer srv.Close()

	spec := testSpec(srv.URL)
	spec.Endpoints = map[string]string{EndpointValidateEmail: "/v2/verify"}

	a := newTestAdapter(t, spec)
	_, err := a.ValidateEmail(context.Background(), "jane@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "/v2/verify", gotPath)
}

func TestHTTPAdapterThrottleSaturation(t *testing.T) {
	spec := testSpec("http://unused.test")
	spec.RateLimits = models.RateLimits{PerSecond: 1}

	a := newTestAdapter(t, spec)
	// Freeze the limiter clock so the consumed window never rolls.
	frozen := time.Now()
	a.windows = ratelimit.NewWithClock(func() time.Time { return frozen })
	a.windows.Check(spec.ID, spec.RateLimits)

	_, err := a.EnrichLead(context.Background(), map[string]string{"name": "Jane"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimited, apperrors.CodeOf(err))
}

func TestHTTPAdapterHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	require.NoError(t, a.HealthCheck(context.Background()))
}

func TestHTTPAdapterHealthCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t, testSpec(srv.URL))
	err := a.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProviderUnavailable, apperrors.CodeOf(err))
}
