// internal/models/worker.go
package models

import "time"

// WorkerStatus classifies a worker's load.
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerDegraded  WorkerStatus = "degraded"
	WorkerUnhealthy WorkerStatus = "unhealthy"
)

// WorkerHealth is the heartbeat record a processor publishes about itself.
// Each worker owns its row exclusively.
type WorkerHealth struct {
	WorkerID      string       `json:"workerId"`
	Status        WorkerStatus `json:"status"`
	Heartbeat     time.Time    `json:"heartbeat"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Processed     int64        `json:"processed"`
	LoadRatio     float64      `json:"loadRatio"`
	MemoryBytes   uint64       `json:"memoryBytes"`
	Version       string       `json:"version"`
}
