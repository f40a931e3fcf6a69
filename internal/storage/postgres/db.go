package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultTimeout = 10 * time.Second

// Backend is the pgx-backed ledger store. All six tables live here; writes are
// single-row patches except the reward crediting path, which commits the reward
// row, ledger entry and cached balance in one transaction.
type Backend struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

func NewBackend(ctx context.Context, dsn string, logger *logrus.Logger) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	b := &Backend{
		pool:   pool,
		logger: logger.WithField("pkg", "storage.postgres").Logger,
	}

	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return b, nil
}

func (b *Backend) migrate() error {
	b.logger.Info("starting database migration")
	goose.SetLogger(logrus.StandardLogger())
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(b.pool)
	defer func() {
		_ = db.Close()
	}()
	if err := goose.Up(db, "migrations", goose.WithAllowMissing()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	b.logger.Info("database migration completed")
	return nil
}

func (b *Backend) Pool() *pgxpool.Pool {
	return b.pool
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
