// Package store is the Postgres persistence layer. All state the queue and
// the enrichment pipeline rely on for correctness lives here; in-memory
// structures elsewhere are accelerators only.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/common/logger"
	"enrichment-workers/internal/models"
)

type Store struct {
	db     *sql.DB
	logger logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "store"}),
	}
}

// LoadActiveProviders reads the provider catalog rows marked active. Config
// file providers take precedence; this covers deployments that manage the
// catalog in the database instead.
func (s *Store) LoadActiveProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, base_url, api_key, rate_limit_per_second,
		       rate_limit_per_minute, rate_limit_per_hour, cost_per_request,
		       reputation_bonus, endpoints
		FROM enrichment_providers
		WHERE active = true
		ORDER BY id`)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("load providers", err)
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		var p models.Provider
		var endpoints []byte
		err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.BaseURL, &p.APIKey,
			&p.RateLimits.PerSecond, &p.RateLimits.PerMinute, &p.RateLimits.PerHour,
			&p.CostPerRequest, &p.ReputationBonus, &endpoints)
		if err != nil {
			return nil, apperrors.NewDatabaseQueryFailedError("scan provider", err)
		}
		if len(endpoints) > 0 {
			if err := json.Unmarshal(endpoints, &p.Endpoints); err != nil {
				return nil, apperrors.NewDatabaseQueryFailedError("decode provider endpoints", err)
			}
		}
		p.Active = true
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// InsertRequest persists an enrichment request before any outbound call.
func (s *Store) InsertRequest(ctx context.Context, req *models.EnrichmentRequest) error {
	input, err := json.Marshal(req.InputData)
	if err != nil {
		return apperrors.NewValidationFailedError(err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enrichment_requests
			(id, workspace_id, lead_id, provider_id, request_type, input_data,
			 priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.WorkspaceID, nullString(req.LeadID), req.ProviderID,
		req.RequestType, input, int(req.Priority), req.Status, req.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert request", err)
	}
	return nil
}

// MarkRequest flips a request to its terminal status.
func (s *Store) MarkRequest(ctx context.Context, requestID string, status models.RequestStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_requests SET status = $2 WHERE id = $1`,
		requestID, status)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("mark request", err)
	}
	return nil
}

// InsertResult persists the normalized outcome of an enrichment.
func (s *Store) InsertResult(ctx context.Context, res *models.EnrichmentResult) error {
	data, err := json.Marshal(res.Data)
	if err != nil {
		return apperrors.NewValidationFailedError(err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enrichment_results
			(id, request_id, provider_id, data_type, data, confidence,
			 verification, source_url, processing_time_ms, credits_used, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.RequestID, res.ProviderID, res.DataType, data,
		res.Confidence, res.Verification, nullString(res.SourceURL),
		res.ProcessingTimeMs, res.CreditsUsed, nullString(res.Error))
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("insert result", err)
	}
	return nil
}

// AppendEnrichedData records a normalized field set against a lead. Rows are
// append-only; the freshest row per (lead, data_type) wins at read time.
func (s *Store) AppendEnrichedData(ctx context.Context, leadID string, dataType models.ProviderType, data map[string]interface{}, confidence float64) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return apperrors.NewValidationFailedError(err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enriched_data (lead_id, data_type, data, confidence, enriched_at)
		VALUES ($1, $2, $3, $4, $5)`,
		leadID, dataType, payload, confidence, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("append enriched data", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
