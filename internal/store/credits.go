package store

import (
	"context"
	"database/sql"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/models"
)

// DebitCredits decrements a workspace balance by cost in one conditional
// UPDATE. Zero rows affected means the guard failed, i.e. insufficient
// credits; concurrent debits against the same workspace serialize on the row
// lock so the balance can never go negative.
func (s *Store) DebitCredits(ctx context.Context, workspaceID string, cost int) error {
	if cost <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_credits
		SET available = available - $2, used = used + $2
		WHERE workspace_id = $1 AND available >= $2`,
		workspaceID, cost)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("debit credits", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("debit credits", err)
	}
	if n == 0 {
		return apperrors.NewInsufficientCreditsError(workspaceID, cost)
	}
	return nil
}

// RefundCredits returns a previously debited amount after a total enrichment
// failure.
func (s *Store) RefundCredits(ctx context.Context, workspaceID string, amount int) error {
	if amount <= 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_credits
		SET available = available + $2, used = used - $2
		WHERE workspace_id = $1`,
		workspaceID, amount)
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("refund credits", err)
	}
	return nil
}

// GetCreditBalance reads the workspace ledger row.
func (s *Store) GetCreditBalance(ctx context.Context, workspaceID string) (*models.CreditBalance, error) {
	var b models.CreditBalance
	var resetPeriod sql.NullString
	var resetAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, available, used, allocated, reset_period,
		       auto_refill, reset_at
		FROM enrichment_credits
		WHERE workspace_id = $1`, workspaceID).Scan(
		&b.WorkspaceID, &b.Available, &b.Used, &b.Allocated,
		&resetPeriod, &b.AutoRefill, &resetAt)
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError("get credit balance", err)
	}

	b.ResetPeriod = resetPeriod.String
	if resetAt.Valid {
		t := resetAt.Time
		b.ResetAt = &t
	}
	return &b, nil
}
