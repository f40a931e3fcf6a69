package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stride-fi/stride-backend/internal/types"
)

// Store is the slice of the ledger store the engine drives. The engine holds
// no entity state across runs; every invocation re-reads and writes back
// incrementally.
type Store interface {
	GetDuePlans(ctx context.Context, now time.Time) ([]types.Plan, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error)

	CreateTransaction(ctx context.Context, t types.Transaction) (types.Transaction, error)
	FindOpenExecution(ctx context.Context, planID uuid.UUID, windowStart time.Time) (*types.Transaction, error)
	SetTransactionHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkTransactionSuccess(ctx context.Context, id uuid.UUID, outputAmount int64, hash string, blockNumber *int64) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error
	IncrementTransactionRetry(ctx context.Context, id uuid.UUID) error

	ApplyExecutionSuccess(ctx context.Context, id uuid.UUID, investedStable, received, assetScale int64, now, next time.Time) error
	RecordPlanFailure(ctx context.Context, id uuid.UUID, pauseThreshold int) (bool, error)
}

// Enqueuer hands best-effort side effects (reward crediting, receipt
// archiving) to the task queue for independent retry.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) error
}
