package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stride-fi/stride-backend/internal/types"
)

// ErrDuplicateKey is returned when a unique index (tx hash, gateway ref,
// reward event id) rejects an insert. Callers treat it as "already handled".
var ErrDuplicateKey = errors.New("duplicate key")

const txColumns = `
	id, user_id, plan_id, type, status, input_amount, output_amount, input_asset,
	output_asset, tx_hash, block_number, gateway_ref, error_message, retry_count,
	created_at, completed_at`

func scanTransaction(row pgx.Row) (types.Transaction, error) {
	var t types.Transaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.PlanID, &t.Type, &t.Status, &t.InputAmount,
		&t.OutputAmount, &t.InputAsset, &t.OutputAsset, &t.TxHash, &t.BlockNumber,
		&t.GatewayRef, &t.ErrorMessage, &t.RetryCount, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Transaction{}, ErrNotFound
		}
		return types.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (b *Backend) CreateTransaction(ctx context.Context, t types.Transaction) (types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := b.pool.QueryRow(ctx, `
		INSERT INTO transactions (
			user_id, plan_id, type, status, input_amount, output_amount,
			input_asset, output_asset, tx_hash, gateway_ref, error_message, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+txColumns,
		t.UserID, t.PlanID, t.Type, t.Status, t.InputAmount, t.OutputAmount,
		t.InputAsset, t.OutputAsset, t.TxHash, t.GatewayRef, t.ErrorMessage, t.CompletedAt,
	)
	created, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Transaction{}, ErrDuplicateKey
		}
		return types.Transaction{}, fmt.Errorf("failed to create transaction: %w", err)
	}
	return created, nil
}

func (b *Backend) GetTransactionByID(ctx context.Context, id uuid.UUID) (types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanTransaction(b.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE id = $1
	`, id))
}

func (b *Backend) GetTransactionByHash(ctx context.Context, hash string) (types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanTransaction(b.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE tx_hash = $1
	`, hash))
}

func (b *Backend) GetTransactionByGatewayRef(ctx context.Context, ref string) (types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanTransaction(b.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE gateway_ref = $1
	`, ref))
}

func (b *Backend) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions by user: %w", err)
	}
	defer rows.Close()

	var txs []types.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

// FindOpenExecution returns the still-processing sip_execution for a plan
// created at or after the given window start. Guards against a crashed run
// double-charging the same due window.
func (b *Backend) FindOpenExecution(ctx context.Context, planID uuid.UUID, windowStart time.Time) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	t, err := scanTransaction(b.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE plan_id = $1
		  AND type = 'sip_execution'
		  AND status = 'processing'
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, planID, windowStart))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (b *Backend) SetTransactionHash(ctx context.Context, id uuid.UUID, hash string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET tx_hash = $2
		WHERE id = $1
	`, id, hash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to set transaction hash: %w", err)
	}
	return nil
}

// MarkTransactionSuccess is the single terminal success write; completed_at is
// set together with the status.
func (b *Backend) MarkTransactionSuccess(ctx context.Context, id uuid.UUID, outputAmount int64, hash string, blockNumber *int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET status = 'success',
		    output_amount = $2,
		    tx_hash = COALESCE($3, tx_hash),
		    block_number = $4,
		    completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed')
	`, id, outputAmount, nullIfEmpty(hash), blockNumber)
	if err != nil {
		return fmt.Errorf("failed to mark transaction success: %w", err)
	}
	return nil
}

func (b *Backend) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	return nil
}

func (b *Backend) IncrementTransactionRetry(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET retry_count = retry_count + 1
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to increment transaction retry: %w", err)
	}
	return nil
}

// ListDeferredDeposits returns pending deposits whose owner now has a vault
// provisioned, so the treasury sweep can bridge them on-chain.
func (b *Backend) ListDeferredDeposits(ctx context.Context) ([]types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions t
		WHERE t.type = 'deposit'
		  AND t.status = 'pending'
		  AND EXISTS (
		      SELECT 1 FROM users u
		      WHERE u.id = t.user_id AND u.vault_address <> ''
		  )
		ORDER BY t.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deferred deposits: %w", err)
	}
	defer rows.Close()

	var txs []types.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deferred deposits: %w", err)
	}
	return txs, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
