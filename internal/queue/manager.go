// Package queue implements the durable priority job queue. Postgres holds
// the truth; the in-memory buckets are a prefetch whose entries are always
// revalidated with a conditional claim before use.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/common/metrics"
	"enrichment-workers/internal/models"
)

// JobStore is the persistence surface the manager depends on.
type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job) error
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	FetchDue(ctx context.Context, limit int) ([]*models.Job, error)
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID, message string) error
	ScheduleRetry(ctx context.Context, jobID string, at time.Time, message string) error
	Reschedule(ctx context.Context, jobID string, at time.Time) error
	DeadLetterJob(ctx context.Context, jobID, message string) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	JobMetrics(ctx context.Context) (*models.QueueMetrics, error)
	CleanupJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

const bucketCount = 5

// Manager accepts, hands out and retires jobs.
type Manager struct {
	store  JobStore
	cfg    config.QueueConfig
	logger logger.Logger
	clock  func() time.Time

	mu       sync.Mutex
	buckets  [bucketCount][]string
	shutdown bool
}

func NewManager(store JobStore, cfg config.QueueConfig, log logger.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "queue-manager"}),
		clock:  time.Now,
	}
}

// Enqueue validates, persists and mirrors one job. The returned id is
// durable before this function returns.
func (m *Manager) Enqueue(ctx context.Context, jobType models.JobType, workspaceID string, payload json.RawMessage, opts models.EnqueueOptions) (string, error) {
	m.mu.Lock()
	stopped := m.shutdown
	m.mu.Unlock()
	if stopped {
		return "", apperrors.NewQueueShutdownError()
	}

	if err := ValidatePayload(jobType, payload); err != nil {
		return "", err
	}

	priority := opts.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return "", apperrors.NewValidationFailedError("priority out of range")
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.DefaultMaxRetries
	}

	now := m.clock().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        jobType,
		Priority:    priority,
		Status:      models.JobStatusQueued,
		Payload:     payload,
		MaxRetries:  maxRetries,
		WebhookURL:  opts.WebhookURL,
		Tags:        opts.Tags,
		ScheduledAt: now.Add(opts.Delay),
		CreatedAt:   now,
	}

	if err := m.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	if opts.Delay <= 0 {
		m.mirror(job.ID, priority)
	}

	m.logger.Info("job enqueued", map[string]interface{}{
		"jobId":    job.ID,
		"jobType":  string(jobType),
		"priority": int(priority),
	})
	return job.ID, nil
}

func (m *Manager) mirror(jobID string, priority models.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(priority) - 1
	if len(m.buckets[idx]) >= m.prefetchSize() {
		return
	}
	m.buckets[idx] = append(m.buckets[idx], jobID)
	metrics.QueuePrefetchDepth.Set(float64(m.depthLocked()))
}

func (m *Manager) prefetchSize() int {
	if m.cfg.PrefetchSize > 0 {
		return m.cfg.PrefetchSize
	}
	return 100
}

func (m *Manager) depthLocked() int {
	depth := 0
	for i := range m.buckets {
		depth += len(m.buckets[i])
	}
	return depth
}

// Dequeue hands out the best available job, or nil when nothing is due.
// Prefetched candidates go through the conditional claim; a lost race just
// drops the stale id. The store's atomic claim covers everything the
// prefetch has not seen.
func (m *Manager) Dequeue(ctx context.Context) (*models.Job, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, apperrors.NewQueueShutdownError()
	}
	m.mu.Unlock()

	for {
		jobID, ok := m.popCandidate()
		if !ok {
			break
		}

		claimed, err := m.store.ClaimJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		return m.store.GetJob(ctx, jobID)
	}

	job, err := m.store.ClaimNextJob(ctx)
	if err != nil || job == nil {
		return job, err
	}
	m.refill(ctx)
	return job, nil
}

func (m *Manager) popCandidate() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < bucketCount; i++ {
		if len(m.buckets[i]) == 0 {
			continue
		}
		jobID := m.buckets[i][0]
		m.buckets[i] = m.buckets[i][1:]
		metrics.QueuePrefetchDepth.Set(float64(m.depthLocked()))
		return jobID, true
	}
	return "", false
}

// refill tops the buckets up from the store after a fallback claim showed
// the prefetch ran dry.
func (m *Manager) refill(ctx context.Context) {
	jobs, err := m.store.FetchDue(ctx, m.prefetchSize())
	if err != nil {
		m.logger.WithError(err).Warn("prefetch refill failed", nil)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		idx := int(job.Priority) - 1
		if idx < 0 || idx >= bucketCount {
			continue
		}
		if len(m.buckets[idx]) < m.prefetchSize() {
			m.buckets[idx] = append(m.buckets[idx], job.ID)
		}
	}
	metrics.QueuePrefetchDepth.Set(float64(m.depthLocked()))
}

// Complete marks a job done with its result document.
func (m *Manager) Complete(ctx context.Context, job *models.Job, result json.RawMessage) error {
	if err := m.store.CompleteJob(ctx, job.ID, result); err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// Fail marks a job failed with a structured error record and no further
// attempts.
func (m *Manager) Fail(ctx context.Context, job *models.Job, jobErr error) error {
	if err := m.store.FailJob(ctx, job.ID, errorDetail(jobErr)); err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues(string(job.Type), string(apperrors.CodeOf(jobErr))).Inc()
	return nil
}

// errorDetail serializes structured errors so operators see the code and
// metadata, not just a flattened message.
func errorDetail(err error) string {
	var se *apperrors.StandardError
	if stderrors.As(err, &se) {
		if raw, marshalErr := json.Marshal(se); marshalErr == nil {
			return string(raw)
		}
	}
	return err.Error()
}

// RetryDelay computes the backoff before attempt retryCount+1:
// base × multiplier^retryCount, capped at the configured maximum.
func (m *Manager) RetryDelay(retryCount int) time.Duration {
	base := m.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := m.cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	maxDelay := m.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := time.Duration(float64(base) * math.Pow(multiplier, float64(retryCount)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// Retry schedules another attempt, or dead-letters the job when its retry
// budget is spent.
func (m *Manager) Retry(ctx context.Context, job *models.Job, jobErr error) error {
	if job.RetryCount >= job.MaxRetries {
		m.logger.Warn("job dead-lettered", map[string]interface{}{
			"jobId":      job.ID,
			"retryCount": job.RetryCount,
			"error":      jobErr.Error(),
		})
		if err := m.store.DeadLetterJob(ctx, job.ID, errorDetail(jobErr)); err != nil {
			return err
		}
		metrics.JobsFailed.WithLabelValues(string(job.Type), string(apperrors.CodeOf(jobErr))).Inc()
		return nil
	}

	delay := m.RetryDelay(job.RetryCount)
	at := m.clock().UTC().Add(delay)
	if err := m.store.ScheduleRetry(ctx, job.ID, at, errorDetail(jobErr)); err != nil {
		return err
	}

	m.logger.Info("job retry scheduled", map[string]interface{}{
		"jobId":   job.ID,
		"attempt": job.RetryCount + 1,
		"delayMs": delay.Milliseconds(),
	})
	return nil
}

// Reschedule moves a job's due time without spending a retry. Used when a
// provider rate limit was the only obstacle.
func (m *Manager) Reschedule(ctx context.Context, job *models.Job, retryAfter time.Duration) error {
	return m.store.Reschedule(ctx, job.ID, m.clock().UTC().Add(retryAfter))
}

// Metrics combines the aggregate store counters with this process's live
// prefetch depth.
func (m *Manager) Metrics(ctx context.Context) (*models.QueueMetrics, error) {
	metrics, err := m.store.JobMetrics(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	metrics.PrefetchDepth = m.depthLocked()
	m.mu.Unlock()
	return metrics, nil
}

// Cleanup deletes terminal jobs past the retention window.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	days := m.cfg.CleanupAfterDays
	if days <= 0 {
		days = 30
	}

	deleted, err := m.store.CleanupJobs(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("queue cleanup", map[string]interface{}{"deleted": deleted})
	}
	return deleted, nil
}

// Shutdown stops accepting work and drops the prefetch. Everything in the
// buckets is persisted and recoverable by the next process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	for i := range m.buckets {
		m.buckets[i] = nil
	}
	metrics.QueuePrefetchDepth.Set(0)
}
