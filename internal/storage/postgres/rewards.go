package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stride-fi/stride-backend/internal/types"
)

// CreateReward inserts the reward row keyed by its external event id. Returns
// ErrDuplicateKey when the event was already recorded, which callers use to
// no-op on replays.
func (b *Backend) CreateReward(ctx context.Context, r types.Reward) (types.Reward, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := b.pool.QueryRow(ctx, `
		INSERT INTO rewards (user_id, event_id, event_type, token_amount, triggered_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, r.UserID, r.EventID, r.EventType, r.TokenAmount, r.TriggeredAt).Scan(&r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Reward{}, ErrDuplicateKey
		}
		return types.Reward{}, fmt.Errorf("failed to create reward: %w", err)
	}
	return r, nil
}

func (b *Backend) GetRewardByEventID(ctx context.Context, eventID string) (types.Reward, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var r types.Reward
	err := b.pool.QueryRow(ctx, `
		SELECT id, user_id, event_id, event_type, token_amount, credited, triggered_at, credited_at
		FROM rewards
		WHERE event_id = $1
	`, eventID).Scan(
		&r.ID, &r.UserID, &r.EventID, &r.EventType,
		&r.TokenAmount, &r.Credited, &r.TriggeredAt, &r.CreditedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Reward{}, ErrNotFound
		}
		return types.Reward{}, fmt.Errorf("failed to get reward: %w", err)
	}
	return r, nil
}

// CreditReward marks the reward credited and writes the ledger entry plus the
// cached balance on the user row in one transaction, so a crash cannot leave
// the balance out of step with the ledger.
func (b *Backend) CreditReward(ctx context.Context, r types.Reward) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE rewards
		SET credited = TRUE, token_amount = $2, credited_at = NOW()
		WHERE id = $1 AND credited = FALSE
	`, r.ID, r.TokenAmount)
	if err != nil {
		return fmt.Errorf("failed to mark reward credited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already credited by an earlier attempt.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reward_ledger (user_id, reward_id, direction, amount, memo)
		VALUES ($1, $2, 'credit', $3, $4)
	`, r.UserID, r.ID, r.TokenAmount, string(r.EventType))
	if err != nil {
		return fmt.Errorf("failed to insert reward ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET reward_points = reward_points + $2, updated_at = NOW()
		WHERE id = $1
	`, r.UserID, r.TokenAmount)
	if err != nil {
		return fmt.Errorf("failed to update cached reward points: %w", err)
	}

	return tx.Commit(ctx)
}
