// Package provider defines the adapter contract every external data provider
// is wrapped in, plus the registry that tracks adapter health and fallbacks.
package provider

import (
	"context"

	"enrichment-workers/internal/models"
)

// Result is the raw, provider-shaped outcome of a single outbound call.
// Normalization onto the canonical schemas happens in the orchestrator.
type Result struct {
	Data         map[string]interface{}
	Confidence   float64
	Verification models.VerificationStatus
	SourceURL    string
}

// Adapter wraps one external provider. Implementations own that provider's
// rate limiting and bounded retry; callers never see individual attempts.
type Adapter interface {
	// Spec returns the immutable provider descriptor loaded at startup.
	Spec() models.Provider

	EnrichLead(ctx context.Context, input map[string]string) (*Result, error)
	ValidateEmail(ctx context.Context, email string) (*Result, error)
	FindEmail(ctx context.Context, input map[string]string) (*Result, error)
	GetCompanyInfo(ctx context.Context, domain string) (*Result, error)

	// HealthCheck issues a cheap synthetic call.
	HealthCheck(ctx context.Context) error
}

// Endpoint keys recognized in models.Provider.Endpoints. A key explicitly set
// to the empty string marks the capability unsupported for that provider.
const (
	EndpointEnrichLead    = "enrich_lead"
	EndpointValidateEmail = "validate_email"
	EndpointFindEmail     = "find_email"
	EndpointCompanyInfo   = "company_info"
	EndpointHealth        = "health"
)

var defaultEndpoints = map[string]string{
	EndpointEnrichLead:    "/v1/enrich",
	EndpointValidateEmail: "/v1/email/verify",
	EndpointFindEmail:     "/v1/email/find",
	EndpointCompanyInfo:   "/v1/company",
	EndpointHealth:        "/v1/health",
}
