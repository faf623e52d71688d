package provider

import (
	"context"
	"sync"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/models"
)

// Mock is a configurable in-memory adapter used by tests. Unset funcs fall
// back to a fixed successful result.
type Mock struct {
	Provider models.Provider

	EnrichLeadFunc     func(ctx context.Context, input map[string]string) (*Result, error)
	ValidateEmailFunc  func(ctx context.Context, email string) (*Result, error)
	FindEmailFunc      func(ctx context.Context, input map[string]string) (*Result, error)
	GetCompanyInfoFunc func(ctx context.Context, domain string) (*Result, error)
	HealthCheckFunc    func(ctx context.Context) error

	mu    sync.Mutex
	calls map[string]int
}

func NewMock(spec models.Provider) *Mock {
	return &Mock{
		Provider: spec,
		calls:    make(map[string]int),
	}
}

func (m *Mock) Spec() models.Provider { return m.Provider }

// Calls returns how many times the named capability was invoked.
func (m *Mock) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

func (m *Mock) record(endpoint string) {
	m.mu.Lock()
	m.calls[endpoint]++
	m.mu.Unlock()
}

func (m *Mock) defaultResult() *Result {
	return &Result{
		Data:         map[string]interface{}{"email": "jane@acme.test"},
		Confidence:   0.9,
		Verification: models.VerificationVerified,
	}
}

func (m *Mock) EnrichLead(ctx context.Context, input map[string]string) (*Result, error) {
	m.record(EndpointEnrichLead)
	if m.EnrichLeadFunc != nil {
		return m.EnrichLeadFunc(ctx, input)
	}
	return m.defaultResult(), nil
}

func (m *Mock) ValidateEmail(ctx context.Context, email string) (*Result, error) {
	m.record(EndpointValidateEmail)
	if m.ValidateEmailFunc != nil {
		return m.ValidateEmailFunc(ctx, email)
	}
	return m.defaultResult(), nil
}

func (m *Mock) FindEmail(ctx context.Context, input map[string]string) (*Result, error) {
	m.record(EndpointFindEmail)
	if m.FindEmailFunc != nil {
		return m.FindEmailFunc(ctx, input)
	}
	return m.defaultResult(), nil
}

func (m *Mock) GetCompanyInfo(ctx context.Context, domain string) (*Result, error) {
	m.record(EndpointCompanyInfo)
	if m.GetCompanyInfoFunc != nil {
		return m.GetCompanyInfoFunc(ctx, domain)
	}
	return m.defaultResult(), nil
}

func (m *Mock) HealthCheck(ctx context.Context) error {
	m.record(EndpointHealth)
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return nil
}

// Failing returns a Mock whose every capability fails with the given error.
func Failing(spec models.Provider, err error) *Mock {
	if err == nil {
		err = apperrors.NewProviderUnavailableError(spec.ID, nil)
	}
	m := NewMock(spec)
	fail := func(context.Context, map[string]string) (*Result, error) { return nil, err }
	m.EnrichLeadFunc = fail
	m.FindEmailFunc = fail
	m.ValidateEmailFunc = func(context.Context, string) (*Result, error) { return nil, err }
	m.GetCompanyInfoFunc = func(context.Context, string) (*Result, error) { return nil, err }
	m.HealthCheckFunc = func(context.Context) error { return err }
	return m
}
