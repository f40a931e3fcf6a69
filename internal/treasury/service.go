// Package treasury bridges captured fiat deposits into custodial vaults. It
// shares the oracle and chain adapters with the execution engine but signs
// with its own operating key.
package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/engine"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/payment"
	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

const fiatDecimals = 2

type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetUserByPhone(ctx context.Context, phone string) (types.User, error)
	CreateTransaction(ctx context.Context, t types.Transaction) (types.Transaction, error)
	GetTransactionByID(ctx context.Context, id uuid.UUID) (types.Transaction, error)
	SetTransactionHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkTransactionSuccess(ctx context.Context, id uuid.UUID, outputAmount int64, hash string, blockNumber *int64) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListDeferredDeposits(ctx context.Context) ([]types.Transaction, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) error
}

type Service struct {
	store        Store
	oracle       oracle.Oracle
	chain        chain.Chain
	queue        Enqueuer
	stableSymbol string
	logger       *logrus.Logger
}

// NewService takes the chain client bound to the treasury key, not the
// executor key.
func NewService(
	store Store,
	rates oracle.Oracle,
	treasuryChain chain.Chain,
	queue Enqueuer,
	stableSymbol string,
	logger *logrus.Logger,
) *Service {
	return &Service{
		store:        store,
		oracle:       rates,
		chain:        treasuryChain,
		queue:        queue,
		stableSymbol: stableSymbol,
		logger:       logger.WithField("pkg", "treasury.Service").Logger,
	}
}

// RecordCapture handles a payment-gateway capture event. Replays of the same
// gateway transaction id are no-ops; funding for users without a vault is
// deferred, never failed.
func (s *Service) RecordCapture(ctx context.Context, event payment.CaptureEvent) error {
	user, err := s.store.GetUserByPhone(ctx, event.Payer)
	if err != nil {
		return fmt.Errorf("unknown payer: %w", err)
	}

	status := types.TxStatusPending
	var errMsg *string
	var completedAt *time.Time
	if event.Status != "success" {
		status = types.TxStatusFailed
		msg := "payment failed at gateway"
		now := time.Now()
		errMsg = &msg
		completedAt = &now
	}

	tx, err := s.store.CreateTransaction(ctx, types.Transaction{
		UserID:       user.ID,
		Type:         types.TxTypeDeposit,
		Status:       status,
		InputAmount:  event.AmountMinor,
		InputAsset:   "INR",
		OutputAsset:  s.stableSymbol,
		GatewayRef:   &event.GatewayRef,
		ErrorMessage: errMsg,
		CompletedAt:  completedAt,
	})
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicateKey) {
			s.logger.WithField("gateway_ref", event.GatewayRef).
				Info("capture event already recorded, skipping")
			return nil
		}
		return fmt.Errorf("s.store.CreateTransaction: %w", err)
	}

	if status != types.TxStatusPending {
		return nil
	}

	if user.VaultAddress == "" {
		// Deferred: the deposit is recorded and swept once the vault exists.
		s.logger.WithField("user_id", user.ID).
			Info("vault not provisioned yet, deferring funding")
		return nil
	}

	if err := s.queue.Enqueue(ctx, tasks.TypeTreasuryFund, tasks.TreasuryFundPayload{TransactionID: tx.ID}); err != nil {
		// The sweep picks the pending deposit up later.
		s.logger.Errorf("failed to enqueue funding for %s: %v", tx.ID, err)
	}
	return nil
}

// HandleFund is the asynq handler that moves one captured deposit on-chain.
func (s *Service) HandleFund(ctx context.Context, task *asynq.Task) error {
	var payload tasks.TreasuryFundPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal funding payload: %w", err)
	}
	return s.Fund(ctx, payload.TransactionID)
}

func (s *Service) Fund(ctx context.Context, txID uuid.UUID) error {
	tx, err := s.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("s.store.GetTransactionByID: %w", err)
	}
	if tx.Status.Terminal() {
		return nil
	}
	if tx.TxHash != nil {
		return s.reconcile(ctx, tx)
	}

	user, err := s.store.GetUserByID(ctx, tx.UserID)
	if err != nil {
		return fmt.Errorf("s.store.GetUserByID: %w", err)
	}
	if user.VaultAddress == "" {
		// Still deferred; the sweep will retry after provisioning.
		return nil
	}

	quote, err := s.oracle.GetFiatRate(ctx)
	if err != nil {
		return fmt.Errorf("fiat rate unavailable: %w", err)
	}
	stableUnits, err := engine.FiatToStable(tx.InputAmount, fiatDecimals, quote.Rate)
	if err != nil {
		return fmt.Errorf("engine.FiatToStable: %w", err)
	}

	submitted, err := s.chain.SubmitDeposit(ctx, user.VaultAddress, stableUnits)
	if err != nil {
		return fmt.Errorf("s.chain.SubmitDeposit: %w", err)
	}
	if err := s.store.SetTransactionHash(ctx, tx.ID, submitted.Hash); err != nil {
		return fmt.Errorf("s.store.SetTransactionHash: %w", err)
	}

	outcome, err := s.chain.WaitForConfirmation(context.WithoutCancel(ctx), submitted.Hash)
	if err != nil {
		return fmt.Errorf("s.chain.WaitForConfirmation: %w", err)
	}
	if outcome.Status == chain.StatusFailed {
		if er := s.store.MarkTransactionFailed(ctx, tx.ID, "vault deposit failed on-chain: "+outcome.Reason); er != nil {
			return fmt.Errorf("s.store.MarkTransactionFailed: %w", er)
		}
		return nil
	}

	block := outcome.BlockNumber
	if err := s.store.MarkTransactionSuccess(ctx, tx.ID, stableUnits.Int64(), submitted.Hash, &block); err != nil {
		return fmt.Errorf("s.store.MarkTransactionSuccess: %w", err)
	}

	s.logger.WithField("transaction_id", tx.ID).Info("deposit bridged into vault")
	return nil
}

func (s *Service) reconcile(ctx context.Context, tx types.Transaction) error {
	status, err := s.chain.GetTxStatus(ctx, *tx.TxHash)
	if err != nil {
		return fmt.Errorf("s.chain.GetTxStatus: %w", err)
	}
	switch status {
	case chain.StatusSuccess:
		return s.store.MarkTransactionSuccess(ctx, tx.ID, 0, *tx.TxHash, nil)
	case chain.StatusFailed:
		return s.store.MarkTransactionFailed(ctx, tx.ID, "vault deposit failed on-chain (reconciled)")
	default:
		return fmt.Errorf("deposit %s still pending on-chain", tx.ID)
	}
}

// SweepDeferred re-enqueues pending deposits whose owners now have vaults.
// The scheduler calls this on every tick.
func (s *Service) SweepDeferred(ctx context.Context) error {
	deferred, err := s.store.ListDeferredDeposits(ctx)
	if err != nil {
		return fmt.Errorf("s.store.ListDeferredDeposits: %w", err)
	}
	for _, tx := range deferred {
		if err := s.queue.Enqueue(ctx, tasks.TypeTreasuryFund, tasks.TreasuryFundPayload{TransactionID: tx.ID}); err != nil {
			s.logger.Errorf("failed to enqueue deferred funding for %s: %v", tx.ID, err)
		}
	}
	if len(deferred) > 0 {
		s.logger.Infof("queued %d deferred deposits for funding", len(deferred))
	}
	return nil
}
