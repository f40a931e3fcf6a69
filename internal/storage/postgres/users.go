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

const userColumns = `
	id, phone, wallet_address, vault_address, identity_token,
	identity_refresh_token, identity_token_expiry, reward_tier, reward_points,
	created_at, updated_at`

func scanUser(row pgx.Row) (types.User, error) {
	var u types.User
	err := row.Scan(
		&u.ID, &u.Phone, &u.WalletAddress, &u.VaultAddress, &u.IdentityToken,
		&u.IdentityRefreshToken, &u.IdentityTokenExpiry, &u.RewardTier,
		&u.RewardPoints, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func (b *Backend) CreateUser(ctx context.Context, phone string) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	u, err := scanUser(b.pool.QueryRow(ctx, `
		INSERT INTO users (phone)
		VALUES ($1)
		RETURNING `+userColumns,
		phone,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrDuplicateKey
		}
		return types.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func (b *Backend) GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanUser(b.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
}

func (b *Backend) GetUserByPhone(ctx context.Context, phone string) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return scanUser(b.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE phone = $1
	`, phone))
}

// SetUserProvisioning records the identity-provider output. Wallet and vault
// addresses only ever transition from empty to set.
func (b *Backend) SetUserProvisioning(ctx context.Context, id uuid.UUID, wallet, vault, token, refreshToken string, tokenExpiry time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := b.pool.Exec(ctx, `
		UPDATE users
		SET wallet_address = CASE WHEN wallet_address = '' THEN $2 ELSE wallet_address END,
		    vault_address = CASE WHEN vault_address = '' THEN $3 ELSE vault_address END,
		    identity_token = $4,
		    identity_refresh_token = $5,
		    identity_token_expiry = $6,
		    updated_at = NOW()
		WHERE id = $1
	`, id, wallet, vault, token, refreshToken, tokenExpiry)
	if err != nil {
		return fmt.Errorf("failed to set user provisioning: %w", err)
	}
	return nil
}
