// internal/models/job.go
package models

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of work a queued job carries.
type JobType string

const (
	JobTypeEnrichLead     JobType = "enrich_lead"
	JobTypeEnrichBatch    JobType = "enrich_batch"
	JobTypeValidateEmail  JobType = "validate_email"
	JobTypeUpdateCompany  JobType = "update_company"
	JobTypeDiscoverSocial JobType = "discover_social"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// Priority buckets. Lower value dequeues first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
	PriorityBulk     Priority = 5
)

// Valid reports whether p is one of the five queue buckets.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBulk
}

// Job is a unit of durable asynchronous work. The queue manager owns all
// status transitions; workers only observe jobs it hands out.
type Job struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	Type        JobType         `json:"type"`
	Priority    Priority        `json:"priority"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	WebhookURL  string          `json:"webhookUrl,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Terminal reports whether the job can never transition again.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDeadLetter
}

// EnqueueOptions carries the optional knobs accepted by Enqueue.
type EnqueueOptions struct {
	Priority   Priority
	MaxRetries int
	WebhookURL string
	Tags       []string
	Delay      time.Duration
}

// QueueMetrics is the aggregate view returned by the metrics RPC plus the
// live in-memory bucket depth of the asking process.
type QueueMetrics struct {
	CountsByStatus map[JobStatus]int64 `json:"countsByStatus"`
	CountsByType   map[JobType]int64   `json:"countsByType"`
	AvgDurationMs  float64             `json:"avgDurationMs"`
	PrefetchDepth  int                 `json:"prefetchDepth"`
}
