package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/common/metrics"
	"enrichment-workers/internal/models"
	"enrichment-workers/internal/ratelimit"
)

const (
	maxAttempts      = 3
	maxThrottleWaits = 10
)

// HTTPAdapter is the generic JSON-over-HTTP adapter. One instance wraps one
// configured provider; the per-provider endpoint map decides which
// capabilities it exposes.
type HTTPAdapter struct {
	spec    models.Provider
	client  *http.Client
	windows *ratelimit.Limiter
	pacer   *rate.Limiter
	logger  logger.Logger

	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewHTTPAdapter(spec models.Provider, timeout time.Duration, log logger.Logger) *HTTPAdapter {
	// Minimum inter-request spacing derived from the per-minute budget.
	pacer := rate.NewLimiter(rate.Inf, 1)
	if spec.RateLimits.PerMinute > 0 {
		pacer = rate.NewLimiter(rate.Every(time.Minute/time.Duration(spec.RateLimits.PerMinute)), 1)
	}

	return &HTTPAdapter{
		spec:    spec,
		client:  &http.Client{Timeout: timeout},
		windows: ratelimit.New(),
		pacer:   pacer,
		logger: log.WithFields(map[string]interface{}{
			"providerId": spec.ID,
		}),
		backoffBase: time.Second,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *HTTPAdapter) Spec() models.Provider { return a.spec }

func (a *HTTPAdapter) EnrichLead(ctx context.Context, input map[string]string) (*Result, error) {
	return a.call(ctx, EndpointEnrichLead, input)
}

func (a *HTTPAdapter) ValidateEmail(ctx context.Context, email string) (*Result, error) {
	return a.call(ctx, EndpointValidateEmail, map[string]string{"email": email})
}

func (a *HTTPAdapter) FindEmail(ctx context.Context, input map[string]string) (*Result, error) {
	return a.call(ctx, EndpointFindEmail, input)
}

func (a *HTTPAdapter) GetCompanyInfo(ctx context.Context, domain string) (*Result, error) {
	return a.call(ctx, EndpointCompanyInfo, map[string]string{"domain": domain})
}

// HealthCheck is a single unretried GET against the provider's health path.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	path, ok := a.endpoint(EndpointHealth)
	if !ok {
		return apperrors.NewUnsupportedRequestError(a.spec.ID, EndpointHealth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.spec.BaseURL+path, nil)
	if err != nil {
		return err
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return apperrors.NewProviderUnavailableError(a.spec.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewProviderUnavailableError(a.spec.ID,
			fmt.Errorf("health endpoint returned %d", resp.StatusCode))
	}
	return nil
}

func (a *HTTPAdapter) endpoint(key string) (string, bool) {
	if a.spec.Endpoints != nil {
		if path, ok := a.spec.Endpoints[key]; ok {
			return path, path != ""
		}
	}
	return defaultEndpoints[key], true
}

// throttle blocks until the call is under all three windows plus the
// inter-request spacing. The re-check loop is bounded; a provider that stays
// saturated surfaces as a rate-limited error instead of an endless wait.
func (a *HTTPAdapter) throttle(ctx context.Context) error {
	var last ratelimit.Decision
	for i := 0; i < maxThrottleWaits; i++ {
		last = a.windows.Check(a.spec.ID, a.spec.RateLimits)
		if last.Allowed {
			return a.pacer.Wait(ctx)
		}
		if err := a.sleep(ctx, last.RetryAfter); err != nil {
			return err
		}
	}
	return apperrors.NewRateLimitedError(a.spec.ID, last.RetryAfter)
}

// call wraps one capability invocation in throttle + bounded retry with
// exponential backoff. Auth, forbidden and not-found responses never retry.
func (a *HTTPAdapter) call(ctx context.Context, endpointKey string, payload map[string]string) (*Result, error) {
	path, ok := a.endpoint(endpointKey)
	if !ok {
		return nil, apperrors.NewUnsupportedRequestError(a.spec.ID, endpointKey)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.backoffBase * (1 << attempt)
			if err := a.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := a.throttle(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := a.doRequest(ctx, path, payload)
		metrics.ProviderCallDuration.WithLabelValues(a.spec.ID).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(a.spec.ID, "success").Inc()
			return result, nil
		}

		metrics.ProviderCalls.WithLabelValues(a.spec.ID, "failure").Inc()
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
		a.logger.Warn("provider call failed, retrying", map[string]interface{}{
			"endpoint": endpointKey,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		})
	}

	return nil, lastErr
}

func (a *HTTPAdapter) doRequest(ctx context.Context, path string, payload map[string]string) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewProviderTimeoutError(a.spec.ID)
		}
		return nil, apperrors.NewProviderUnavailableError(a.spec.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperrors.NewProviderAuthFailedError(a.spec.ID)
	case resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.NewProviderForbiddenError(a.spec.ID)
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewProviderNotFoundError(a.spec.ID, path)
	case resp.StatusCode >= 400:
		return nil, apperrors.NewProviderUnavailableError(a.spec.ID,
			fmt.Errorf("status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderUnavailableError(a.spec.ID, err)
	}

	data := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, apperrors.NewProviderUnavailableError(a.spec.ID,
				fmt.Errorf("malformed response: %w", err))
		}
	}

	result := &Result{
		Data:         data,
		Verification: models.VerificationUnverified,
	}
	if c, ok := data["confidence"].(float64); ok {
		result.Confidence = c
	}
	if s, ok := data["source_url"].(string); ok {
		result.SourceURL = s
	}
	if v, ok := data["verification"].(string); ok {
		result.Verification = models.VerificationStatus(v)
	}
	return result, nil
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.spec.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.spec.APIKey)
	}
}
