// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"job_type"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"job_type", "error_code"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "enrichment_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"job_type"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichment_jobs_active",
			Help: "Number of jobs currently in flight per worker",
		},
		[]string{"worker_id"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_provider_calls_total",
			Help: "Outbound provider calls by outcome",
		},
		[]string{"provider_id", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "enrichment_provider_call_duration_seconds",
			Help: "Duration of provider calls in seconds",
		},
		[]string{"provider_id"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_cache_lookups_total",
			Help: "Cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	CreditsDebited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_credits_debited_total",
			Help: "Credits debited per workspace",
		},
		[]string{"workspace_id"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_rate_limit_rejections_total",
			Help: "Dispatch-side rate limit rejections per provider",
		},
		[]string{"provider_id"},
	)

	QueuePrefetchDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichment_queue_prefetch_depth",
			Help: "Jobs currently held in the local prefetch buffer",
		},
	)
)
