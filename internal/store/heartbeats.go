package store

import (
	"context"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/models"
)

// UpsertHeartbeat records a worker's periodic health snapshot. One row per
// worker id; a stale row (no update within a few intervals) is how operators
// spot a wedged or dead worker.
func (s *Store) UpsertHeartbeat(ctx context.Context, h *models.WorkerHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats
			(worker_id, status, heartbeat, uptime_seconds, processed,
			 load_ratio, memory_bytes, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			heartbeat = EXCLUDED.heartbeat,
			uptime_seconds = EXCLUDED.uptime_seconds,
			processed = EXCLUDED.processed,
			load_ratio = EXCLUDED.load_ratio,
			memory_bytes = EXCLUDED.memory_bytes,
			version = EXCLUDED.version`,
		h.WorkerID, h.Status, h.Heartbeat, h.UptimeSeconds, h.Processed,
		h.LoadRatio, h.MemoryBytes, h.Version)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("upsert heartbeat", err)
	}
	return nil
}
