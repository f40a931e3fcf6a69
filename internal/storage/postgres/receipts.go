package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stride-fi/stride-backend/internal/types"
)

func (b *Backend) CreateReceipt(ctx context.Context, r types.Receipt) (types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := b.pool.QueryRow(ctx, `
		INSERT INTO receipts (user_id, transaction_id, plan_id, type, blob_name, summary, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, r.UserID, r.TransactionID, r.PlanID, r.Type, r.BlobName, r.Summary, r.ExpiresAt).
		Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("failed to create receipt: %w", err)
	}
	return r, nil
}

// SetReceiptURL backfills the retrievable URL after the blob upload; the rest
// of the row is immutable.
func (b *Backend) SetReceiptURL(ctx context.Context, id uuid.UUID, url string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE receipts
		SET url = $2
		WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("failed to set receipt url: %w", err)
	}
	return nil
}

func (b *Backend) ListReceiptsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT id, user_id, transaction_id, plan_id, type, blob_name, url, summary, expires_at, created_at
		FROM receipts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts by user: %w", err)
	}
	defer rows.Close()

	var receipts []types.Receipt
	for rows.Next() {
		var r types.Receipt
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.TransactionID, &r.PlanID, &r.Type, &r.BlobName,
			&r.URL, &r.Summary, &r.ExpiresAt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipts: %w", err)
	}
	return receipts, nil
}
