// Package webhook delivers best-effort job completion callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
)

// Notification is the callback body. Result and Error are mutually
// exclusive.
type Notification struct {
	JobID  string          `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Notifier POSTs job outcomes to the URL attached at enqueue time. Delivery
// is single-attempt and never affects the job itself; consumers needing
// reliability poll the job status endpoint instead.
type Notifier struct {
	client *http.Client
	logger logger.Logger
}

func NewNotifier(timeout time.Duration, log logger.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		logger: log.WithFields(map[string]interface{}{"component": "webhook-notifier"}),
	}
}

// callbackStatus collapses internal job states to the two-valued callback
// contract. Consumers see completed or failed; retrying and dead_letter are
// queue bookkeeping that stays in the job record.
func callbackStatus(status models.JobStatus) models.JobStatus {
	if status == models.JobStatusCompleted {
		return models.JobStatusCompleted
	}
	return models.JobStatusFailed
}

// Notify sends one callback. Failures are logged and swallowed.
func (n *Notifier) Notify(ctx context.Context, url string, job *models.Job) {
	if url == "" {
		return
	}

	body, err := json.Marshal(Notification{
		JobID:  job.ID,
		Status: callbackStatus(job.Status),
		Result: job.Result,
		Error:  job.Error,
	})
	if err != nil {
		n.logger.WithError(err).Error("webhook payload encode failed", map[string]interface{}{
			"jobId": job.ID,
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.WithError(err).Warn("webhook request build failed", map[string]interface{}{
			"jobId": job.ID,
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WithError(err).Warn("webhook delivery failed", map[string]interface{}{
			"jobId": job.ID,
			"url":   url,
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected", map[string]interface{}{
			"jobId":  job.ID,
			"url":    url,
			"status": resp.StatusCode,
		})
	}
}
