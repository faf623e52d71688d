package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/models"
)

const jobColumns = `id, workspace_id, type, priority, status, payload, result,
	error, retry_count, max_retries, webhook_url, tags, scheduled_at,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var result sql.NullString
	var jobErr, webhookURL sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.WorkspaceID, &j.Type, &j.Priority, &j.Status,
		&j.Payload, &result, &jobErr, &j.RetryCount, &j.MaxRetries,
		&webhookURL, pq.Array(&j.Tags), &j.ScheduledAt, &j.CreatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = jobErr.String
	j.WebhookURL = webhookURL.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// InsertJob persists a newly accepted job. Durability comes first; the
// in-memory buckets only mirror what this row says.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, workspace_id, type, priority, status, payload, retry_count,
			 max_retries, webhook_url, tags, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.WorkspaceID, job.Type, int(job.Priority), job.Status,
		[]byte(job.Payload), job.RetryCount, job.MaxRetries,
		nullString(job.WebhookURL), pq.Array(job.Tags),
		job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert job", err)
	}
	return nil
}

// ClaimNextJob atomically claims the best due job: highest priority bucket
// first, oldest first within a bucket. SKIP LOCKED keeps concurrent claimers
// from ever receiving the same row. Returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE jobs
		SET status = 'in_progress', started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'queued', 'retrying')
			  AND scheduled_at <= now()
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("claim next job", err)
	}
	return job, nil
}

// ClaimJob claims one specific prefetched job. The conditional flip
// revalidates the in-memory copy: zero rows means another worker (or another
// process) won the race and the caller must drop its stale entry.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'in_progress', started_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'queued', 'retrying')
		  AND scheduled_at <= now()`,
		jobID)
	if err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("claim job", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewDatabaseQueryFailedError("claim job", err)
	}
	return n == 1, nil
}

// FetchDue reads due, unclaimed jobs for the prefetch buckets without
// claiming them.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ('pending', 'queued', 'retrying')
		  AND scheduled_at <= now()
		ORDER BY priority ASC, created_at ASC
		LIMIT $1`, jobColumns), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("fetch due jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CompleteJob marks a job done and stores its result document.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, error = NULL, completed_at = now()
		WHERE id = $1`,
		jobID, []byte(result))
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("complete job", err)
	}
	return nil
}

// FailJob marks a job failed without scheduling another attempt.
func (s *Store) FailJob(ctx context.Context, jobID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`,
		jobID, message)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("fail job", err)
	}
	return nil
}

// ScheduleRetry bumps the retry counter and parks the job until the backoff
// deadline.
func (s *Store) ScheduleRetry(ctx context.Context, jobID string, at time.Time, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying', retry_count = retry_count + 1,
		    error = $2, scheduled_at = $3, started_at = NULL
		WHERE id = $1`,
		jobID, message, at)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("schedule retry", err)
	}
	return nil
}

// Reschedule moves a job's due time without consuming a retry. Used when the
// only obstacle was a provider rate limit.
func (s *Store) Reschedule(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', scheduled_at = $2, started_at = NULL
		WHERE id = $1`,
		jobID, at)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("reschedule job", err)
	}
	return nil
}

// DeadLetterJob parks a job permanently after its retry budget is spent.
func (s *Store) DeadLetterJob(ctx context.Context, jobID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'dead_letter', error = $2, completed_at = now()
		WHERE id = $1`,
		jobID, message)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("dead letter job", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("get job", err)
	}
	return job, nil
}

// JobMetrics aggregates queue counters across all workers.
func (s *Store) JobMetrics(ctx context.Context) (*models.QueueMetrics, error) {
	m := &models.QueueMetrics{
		CountsByStatus: make(map[models.JobStatus]int64),
		CountsByType:   make(map[models.JobType]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("job metrics by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("job metrics by status", err)
		}
		m.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("job metrics by status", err)
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT type, count(*) FROM jobs GROUP BY type`)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("job metrics by type", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var jobType models.JobType
		var count int64
		if err := typeRows.Scan(&jobType, &count); err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("job metrics by type", err)
		}
		m.CountsByType[jobType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("job metrics by type", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT avg(extract(epoch FROM (completed_at - started_at)) * 1000)
		FROM jobs
		WHERE status = 'completed' AND started_at IS NOT NULL`).Scan(&avg)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("job metrics avg duration", err)
	}
	m.AvgDurationMs = avg.Float64

	return m, nil
}

// CleanupJobs deletes terminal jobs older than the retention window and
// returns how many rows went away.
func (s *Store) CleanupJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'dead_letter')
		  AND completed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, apperrors.NewDatabaseQueryFailedError("cleanup jobs", err)
	}
	return res.RowsAffected()
}
