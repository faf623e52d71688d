// internal/models/enrichment.go
package models

import "time"

// ProviderType is the capability class of a data provider.
type ProviderType string

const (
	ProviderTypeEmailFinder    ProviderType = "email_finder"
	ProviderTypeCompanyData    ProviderType = "company_data"
	ProviderTypeSocialProfiles ProviderType = "social_profiles"
	ProviderTypeContactInfo    ProviderType = "contact_info"
	ProviderTypeTechnographics ProviderType = "technographics"
	ProviderTypeFirmographics  ProviderType = "firmographics"
	ProviderTypeIntentData     ProviderType = "intent_data"
	ProviderTypeNewsMonitoring ProviderType = "news_monitoring"
)

// RateLimits are the fixed-window budgets granted by a provider contract.
type RateLimits struct {
	PerSecond int `json:"perSecond" mapstructure:"per_second"`
	PerMinute int `json:"perMinute" mapstructure:"per_minute"`
	PerHour   int `json:"perHour" mapstructure:"per_hour"`
}

// Provider describes one external data provider. Loaded once at startup and
// treated as immutable afterwards.
type Provider struct {
	ID              string            `json:"id" mapstructure:"id"`
	Name            string            `json:"name" mapstructure:"name"`
	Type            ProviderType      `json:"type" mapstructure:"type"`
	BaseURL         string            `json:"baseUrl" mapstructure:"base_url"`
	APIKey          string            `json:"-" mapstructure:"api_key"`
	RateLimits      RateLimits        `json:"rateLimits" mapstructure:"rate_limits"`
	CostPerRequest  int               `json:"costPerRequest" mapstructure:"cost_per_request"`
	ReputationBonus float64           `json:"reputationBonus" mapstructure:"reputation_bonus"`
	Active          bool              `json:"active" mapstructure:"active"`
	Endpoints       map[string]string `json:"endpoints,omitempty" mapstructure:"endpoints"`
}

// RequestStatus is the lifecycle state of an enrichment request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
)

// EnrichmentRequest is one ask against a provider, persisted before any
// outbound call is made.
type EnrichmentRequest struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspaceId"`
	LeadID      string            `json:"leadId,omitempty"`
	ProviderID  string            `json:"providerId"`
	RequestType ProviderType      `json:"requestType"`
	InputData   map[string]string `json:"inputData"`
	Priority    Priority          `json:"priority"`
	Status      RequestStatus     `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// VerificationStatus qualifies how much an enriched value can be trusted.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationInvalid    VerificationStatus = "invalid"
	VerificationOutdated   VerificationStatus = "outdated"
)

// EnrichmentResult is the normalized outcome of one or more provider calls.
// Invariant: Error != "" implies Confidence == 0 and CreditsUsed == 0.
type EnrichmentResult struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"requestId"`
	ProviderID       string                 `json:"providerId"`
	DataType         ProviderType           `json:"dataType"`
	Data             map[string]interface{} `json:"data"`
	Confidence       float64                `json:"confidence"`
	Verification     VerificationStatus     `json:"verification"`
	SourceURL        string                 `json:"sourceUrl,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	CreditsUsed      int                    `json:"creditsUsed"`
	Error            string                 `json:"error,omitempty"`
}

// CreditBalance is a workspace's spend ledger, optionally scoped to one
// provider. Check-and-debit happens atomically at the persistence layer.
type CreditBalance struct {
	WorkspaceID string     `json:"workspaceId"`
	ProviderID  string     `json:"providerId,omitempty"`
	Available   int        `json:"available"`
	Used        int        `json:"used"`
	Allocated   int        `json:"allocated"`
	ResetPeriod string     `json:"resetPeriod,omitempty"`
	AutoRefill  bool       `json:"autoRefill"`
	ResetAt     *time.Time `json:"resetAt,omitempty"`
}
