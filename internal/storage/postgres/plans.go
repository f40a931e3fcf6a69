package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stride-fi/stride-backend/internal/types"
)

var ErrNotFound = errors.New("not found")

const planColumns = `
	id, user_id, amount_minor, frequency, interval_seconds, target_asset, input_asset,
	vault_address, vault_index, total_invested, total_received, average_price,
	execution_count, consecutive_failures, total_failures, status, next_execution,
	last_executed_at, created_at, updated_at`

func scanPlan(row pgx.Row) (types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.ID, &p.UserID, &p.AmountMinor, &p.Frequency, &p.IntervalSeconds,
		&p.TargetAsset, &p.InputAsset, &p.VaultAddress, &p.VaultIndex,
		&p.TotalInvested, &p.TotalReceived, &p.AveragePrice, &p.ExecutionCount,
		&p.ConsecutiveFailures, &p.TotalFailures, &p.Status, &p.NextExecution,
		&p.LastExecutedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Plan{}, ErrNotFound
		}
		return types.Plan{}, fmt.Errorf("failed to scan plan: %w", err)
	}
	return p, nil
}

func (b *Backend) CreatePlan(ctx context.Context, p types.Plan) (types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := b.pool.QueryRow(ctx, `
		INSERT INTO plans (
			user_id, amount_minor, frequency, interval_seconds, target_asset,
			input_asset, vault_address, vault_index, status, next_execution
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+planColumns,
		p.UserID, p.AmountMinor, p.Frequency, p.IntervalSeconds, p.TargetAsset,
		p.InputAsset, p.VaultAddress, p.VaultIndex, p.Status, p.NextExecution,
	)
	created, err := scanPlan(row)
	if err != nil {
		return types.Plan{}, fmt.Errorf("failed to create plan: %w", err)
	}
	return created, nil
}

func (b *Backend) GetPlanByID(ctx context.Context, id uuid.UUID) (types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanPlan(b.pool.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE id = $1
	`, id))
}

func (b *Backend) ListPlansByUser(ctx context.Context, userID uuid.UUID) ([]types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans by user: %w", err)
	}
	defer rows.Close()

	var plans []types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

// GetDuePlans returns every active plan whose next execution is at or before
// now. Pure read; selection never mutates plan state.
func (b *Backend) GetDuePlans(ctx context.Context, now time.Time) ([]types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE status = 'active' AND next_execution <= $1
		ORDER BY next_execution
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due plans: %w", err)
	}
	defer rows.Close()

	var plans []types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due plans: %w", err)
	}
	return plans, nil
}

func (b *Backend) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status types.PlanStatus) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tag, err := b.pool.Exec(ctx, `
		UPDATE plans
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('cancelled', 'completed')
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *Backend) UpdatePlanTerms(ctx context.Context, id uuid.UUID, amountMinor int64, freq types.Frequency, intervalSeconds int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tag, err := b.pool.Exec(ctx, `
		UPDATE plans
		SET amount_minor = $2, frequency = $3, interval_seconds = $4, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('cancelled', 'completed')
	`, id, amountMinor, freq, intervalSeconds)
	if err != nil {
		return fmt.Errorf("failed to update plan terms: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlanVaultIndex binds the vault slot once; a second bind attempt is a no-op
// so the binding stays immutable.
func (b *Backend) SetPlanVaultIndex(ctx context.Context, id uuid.UUID, index int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE plans
		SET vault_index = $2, updated_at = NOW()
		WHERE id = $1 AND vault_index IS NULL
	`, id, index)
	if err != nil {
		return fmt.Errorf("failed to set plan vault index: %w", err)
	}
	return nil
}

// ApplyExecutionSuccess folds a successful execution into the plan's running
// stats and schedules the next run from now, not from the missed slot. The
// average price is micro-stable per whole target unit, so the invested total
// is scaled by the asset's base-unit factor before dividing. The numeric cast
// keeps the 10^18 scale from overflowing bigint arithmetic.
func (b *Backend) ApplyExecutionSuccess(ctx context.Context, id uuid.UUID, investedStable, received, assetScale int64, now, next time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE plans
		SET total_invested = total_invested + $2,
		    total_received = total_received + $3,
		    average_price = CASE
		        WHEN total_received + $3 > 0
		        THEN FLOOR((total_invested + $2)::numeric * $4 / (total_received + $3))::bigint
		        ELSE 0
		    END,
		    execution_count = execution_count + 1,
		    consecutive_failures = 0,
		    last_executed_at = $5,
		    next_execution = $6,
		    updated_at = NOW()
		WHERE id = $1
	`, id, investedStable, received, assetScale, now, next)
	if err != nil {
		return fmt.Errorf("failed to apply execution success: %w", err)
	}
	return nil
}

// RecordPlanFailure bumps both failure counters and auto-pauses the plan once
// the consecutive count reaches the threshold. next_execution is left alone so
// the plan stays due for the next pass until paused. Returns whether the plan
// was paused by this call.
func (b *Backend) RecordPlanFailure(ctx context.Context, id uuid.UUID, pauseThreshold int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var status types.PlanStatus
	err := b.pool.QueryRow(ctx, `
		UPDATE plans
		SET consecutive_failures = consecutive_failures + 1,
		    total_failures = total_failures + 1,
		    status = CASE
		        WHEN consecutive_failures + 1 >= $2 AND status = 'active' THEN 'paused'
		        ELSE status
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING status
	`, id, pauseThreshold).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("failed to record plan failure: %w", err)
	}
	return status == types.PlanStatusPaused, nil
}
