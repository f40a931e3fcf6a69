// Package engine runs the SIP execution pipeline: due-plan selection, fiat to
// asset conversion, on-chain submission, confirmation and settlement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/metrics"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

const (
	fiatDecimals = 2
	slippageBps  = 100
)

// ErrPrecondition marks a plan attempt rejected before RECORDING side
// effects; it is audited but never counts toward the auto-pause threshold.
var ErrPrecondition = errors.New("execution precondition not met")

// ErrUnresolved marks an attempt whose on-chain outcome is still unknown. The
// transaction stays processing and is reconciled by hash on a later pass.
var ErrUnresolved = errors.New("execution outcome unresolved")

type BatchResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type Engine struct {
	store   Store
	oracle  oracle.Oracle
	chain   chain.Chain
	queue   Enqueuer
	metrics *metrics.EngineMetrics
	logger  *logrus.Logger

	stableSymbol     string
	concurrency      int
	failureThreshold int
	fillTimeout      time.Duration
	fillPoll         time.Duration

	now func() time.Time
}

func New(
	store Store,
	rates oracle.Oracle,
	onchain chain.Chain,
	queue Enqueuer,
	m *metrics.EngineMetrics,
	cfg config.Engine,
	stableSymbol string,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		store:            store,
		oracle:           rates,
		chain:            onchain,
		queue:            queue,
		metrics:          m,
		logger:           logger.WithField("pkg", "engine.Engine").Logger,
		stableSymbol:     stableSymbol,
		concurrency:      cfg.Concurrency,
		failureThreshold: cfg.FailureThreshold,
		fillTimeout:      cfg.FillTimeout,
		fillPoll:         cfg.FillPoll,
		now:              time.Now,
	}
}

// WithClock overrides the engine's time source. Tests use this to pin "now".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RunBatch selects every due plan and drives each pipeline independently with
// bounded concurrency. A failing or panicking plan never aborts the rest of
// the batch.
func (e *Engine) RunBatch(ctx context.Context) (BatchResult, error) {
	started := e.now()

	plans, err := e.store.GetDuePlans(ctx, started)
	if err != nil {
		return BatchResult{}, fmt.Errorf("e.store.GetDuePlans: %w", err)
	}

	var successful, failed atomic.Int64

	eg := &errgroup.Group{}
	eg.SetLimit(e.concurrency)
	for _, _plan := range plans {
		plan := _plan
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					e.metrics.CountExecution("panic")
					e.logger.Errorf("panic while executing plan %s: %v", plan.ID, r)
				}
			}()

			if er := e.ExecutePlan(ctx, plan); er != nil {
				failed.Add(1)
				e.logger.WithField("plan_id", plan.ID).Warnf("execution failed: %v", er)
				return nil
			}
			successful.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	result := BatchResult{
		Processed:  len(plans),
		Successful: int(successful.Load()),
		Failed:     int(failed.Load()),
	}

	e.metrics.ObserveBatch(time.Since(started).Seconds())
	e.logger.WithFields(logrus.Fields{
		"processed":  result.Processed,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Info("batch run completed")

	return result, nil
}

// ExecutePlan drives one due plan through
// RECORDING -> CONVERTING -> SUBMITTING -> CONFIRMING -> SETTLING.
func (e *Engine) ExecutePlan(ctx context.Context, plan types.Plan) error {
	user, err := e.store.GetUserByID(ctx, plan.UserID)
	if err != nil {
		return e.failPrecondition(ctx, plan, "owner lookup failed")
	}
	if !user.Provisioned() {
		return e.failPrecondition(ctx, plan, "user wallet or vault not provisioned")
	}

	// RECORDING. An open execution from a crashed run within this due window
	// is adopted instead of creating a second charge.
	tx, adopted, err := e.recordExecution(ctx, plan)
	if err != nil {
		return err
	}
	if adopted && tx.TxHash != nil {
		return e.reconcile(ctx, plan, tx)
	}

	// CONVERTING. Fresh quotes only; an oracle failure fails this attempt
	// before any on-chain side effect.
	stableUnits, minOut, err := e.convert(ctx, plan)
	if err != nil {
		e.metrics.CountExecution("conversion_failed")
		return e.failExecution(ctx, plan, tx, fmt.Sprintf("conversion failed: %v", err))
	}

	// Cancellation is only honored before submission; afterwards the
	// eventual on-chain outcome must still be recorded. The terminal write
	// runs detached because the cancelled context would reject it.
	if ctx.Err() != nil {
		if er := e.store.MarkTransactionFailed(context.WithoutCancel(ctx), tx.ID, "cancelled before submission"); er != nil {
			e.logger.Errorf("failed to mark cancelled transaction %s: %v", tx.ID, er)
		}
		return ctx.Err()
	}

	// SUBMITTING.
	var vaultIndex int64
	if plan.VaultIndex != nil {
		vaultIndex = *plan.VaultIndex
	}
	submitted, err := e.chain.SubmitExecution(ctx, plan.VaultAddress, vaultIndex, stableUnits, minOut)
	if err != nil {
		// Ambiguous: the node may or may not have accepted the broadcast.
		// Leave the transaction processing for hash-less adoption next pass.
		e.metrics.CountExecution("submit_unresolved")
		return fmt.Errorf("%w: submit: %v", ErrUnresolved, err)
	}

	if err := e.store.SetTransactionHash(ctx, tx.ID, submitted.Hash); err != nil {
		return fmt.Errorf("e.store.SetTransactionHash: %w", err)
	}

	// CONFIRMING. Run detached from caller cancellation so a shutdown during
	// the wait still lands a terminal state.
	confirmCtx := context.WithoutCancel(ctx)
	outcome, err := e.chain.WaitForConfirmation(confirmCtx, submitted.Hash)
	if err != nil {
		e.metrics.CountExecution("confirm_unresolved")
		return fmt.Errorf("%w: confirm %s: %v", ErrUnresolved, submitted.Hash, err)
	}
	if outcome.Status == chain.StatusFailed {
		e.metrics.CountExecution("chain_failed")
		return e.failExecution(ctx, plan, tx, "on-chain execution failed: "+outcome.Reason)
	}

	// Fill polling: the swap order may settle after the transaction itself.
	// Missing the fill window is a degraded success, not a failure.
	received := minOut
	fill, err := e.chain.WaitForFill(confirmCtx, submitted.OrderID, e.fillTimeout, e.fillPoll)
	switch {
	case err == nil && fill != nil:
		received = fill.Amount
	case errors.Is(err, chain.ErrFillTimeout):
		e.logger.WithField("plan_id", plan.ID).
			Warn("no fill observed within window, settling with quoted amount")
	case err != nil:
		e.logger.WithField("plan_id", plan.ID).Warnf("fill poll failed: %v", err)
	}

	return e.settle(confirmCtx, plan, user, tx, submitted, outcome, stableUnits, received)
}

func (e *Engine) recordExecution(ctx context.Context, plan types.Plan) (types.Transaction, bool, error) {
	open, err := e.store.FindOpenExecution(ctx, plan.ID, plan.NextExecution)
	if err != nil {
		return types.Transaction{}, false, fmt.Errorf("e.store.FindOpenExecution: %w", err)
	}
	if open != nil {
		if er := e.store.IncrementTransactionRetry(ctx, open.ID); er != nil {
			e.logger.Errorf("failed to bump retry count for %s: %v", open.ID, er)
		}
		return *open, true, nil
	}

	tx, err := e.store.CreateTransaction(ctx, types.Transaction{
		UserID:      plan.UserID,
		PlanID:      &plan.ID,
		Type:        types.TxTypeSIPExecution,
		Status:      types.TxStatusProcessing,
		InputAmount: plan.AmountMinor,
		InputAsset:  "INR",
		OutputAsset: plan.TargetAsset,
	})
	if err != nil {
		return types.Transaction{}, false, fmt.Errorf("e.store.CreateTransaction: %w", err)
	}
	return tx, false, nil
}

func (e *Engine) convert(ctx context.Context, plan types.Plan) (stable, minOut *big.Int, err error) {
	fiatQuote, err := e.oracle.GetFiatRate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fiat rate unavailable: %w", err)
	}
	assetQuote, err := e.oracle.GetAssetRate(ctx, e.stableSymbol, plan.TargetAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("asset rate unavailable: %w", err)
	}

	stable, err = FiatToStable(plan.AmountMinor, fiatDecimals, fiatQuote.Rate)
	if err != nil {
		return nil, nil, err
	}

	quoted, err := StableToAsset(stable, assetQuote.Rate, assetDecimals(plan.TargetAsset))
	if err != nil {
		return nil, nil, err
	}

	return stable, ApplySlippage(quoted, slippageBps), nil
}

// reconcile resolves an adopted execution that already has a hash. The
// outcome recorded is whatever the chain reports; resubmitting here would
// risk a double charge.
func (e *Engine) reconcile(ctx context.Context, plan types.Plan, tx types.Transaction) error {
	status, err := e.chain.GetTxStatus(ctx, *tx.TxHash)
	if err != nil {
		e.metrics.CountExecution("reconcile_unresolved")
		return fmt.Errorf("%w: reconcile %s: %v", ErrUnresolved, *tx.TxHash, err)
	}

	switch status {
	case chain.StatusSuccess:
		// The fill amount was lost with the crashed run. Re-quote the
		// recorded fiat input so the invested figure lands in stable units
		// like every other settle, and keep received at zero so stats stay
		// conservative.
		fiatQuote, err := e.oracle.GetFiatRate(ctx)
		if err != nil {
			e.metrics.CountExecution("reconcile_unresolved")
			return fmt.Errorf("%w: reconcile quote: %v", ErrUnresolved, err)
		}
		stable, err := FiatToStable(tx.InputAmount, fiatDecimals, fiatQuote.Rate)
		if err != nil {
			return fmt.Errorf("engine.FiatToStable: %w", err)
		}
		if er := e.store.MarkTransactionSuccess(ctx, tx.ID, 0, *tx.TxHash, nil); er != nil {
			return fmt.Errorf("e.store.MarkTransactionSuccess: %w", er)
		}
		now := e.now()
		if er := e.store.ApplyExecutionSuccess(ctx, plan.ID, stable.Int64(), 0, assetScale(plan.TargetAsset), now, now.Add(plan.Interval())); er != nil {
			return fmt.Errorf("e.store.ApplyExecutionSuccess: %w", er)
		}
		e.metrics.CountExecution("reconciled_success")
		return nil
	case chain.StatusFailed:
		e.metrics.CountExecution("reconciled_failed")
		return e.failExecution(ctx, plan, tx, "on-chain execution failed (reconciled)")
	default:
		// Still pending: a prior pass already paid the ambiguity; count it
		// toward the failure threshold now rather than dropping it silently.
		if _, er := e.store.RecordPlanFailure(ctx, plan.ID, e.failureThreshold); er != nil {
			e.logger.Errorf("failed to record plan failure for %s: %v", plan.ID, er)
		}
		e.metrics.CountExecution("reconcile_pending")
		return fmt.Errorf("%w: tx %s still pending", ErrUnresolved, *tx.TxHash)
	}
}

func (e *Engine) settle(
	ctx context.Context,
	plan types.Plan,
	user types.User,
	tx types.Transaction,
	submitted chain.Submitted,
	outcome chain.Outcome,
	stableUnits, received *big.Int,
) error {
	block := outcome.BlockNumber
	if err := e.store.MarkTransactionSuccess(ctx, tx.ID, received.Int64(), submitted.Hash, &block); err != nil {
		return fmt.Errorf("e.store.MarkTransactionSuccess: %w", err)
	}

	// next_execution is computed from now, not from the missed slot, so a
	// backlog never causes an execution burst.
	now := e.now()
	if err := e.store.ApplyExecutionSuccess(ctx, plan.ID, stableUnits.Int64(), received.Int64(), assetScale(plan.TargetAsset), now, now.Add(plan.Interval())); err != nil {
		return fmt.Errorf("e.store.ApplyExecutionSuccess: %w", err)
	}

	e.metrics.CountExecution("success")

	// Best-effort side effects: failures here are logged and retried by the
	// queue, never rolled back into the already-successful execution.
	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, tasks.TypeRewardCredit, tasks.RewardCreditPayload{
			UserID:        user.ID,
			TransactionID: tx.ID,
			EventID:       "sip:" + tx.ID.String(),
			EventType:     string(types.RewardEventSIPExecuted),
			Amount:        plan.AmountMinor,
			TriggeredAt:   now,
		}); err != nil {
			e.logger.Errorf("failed to enqueue reward credit for %s: %v", tx.ID, err)
		}
		if err := e.queue.Enqueue(ctx, tasks.TypeReceiptArchive, tasks.ReceiptArchivePayload{
			UserID:        user.ID,
			TransactionID: tx.ID,
			PlanID:        &plan.ID,
			ReceiptType:   string(types.ReceiptTypeExecution),
		}); err != nil {
			e.logger.Errorf("failed to enqueue receipt archive for %s: %v", tx.ID, err)
		}
	}

	return nil
}

// failPrecondition audits the rejected attempt without touching the plan's
// failure counter; missing provisioning needs operator action, not a pause.
func (e *Engine) failPrecondition(ctx context.Context, plan types.Plan, reason string) error {
	now := e.now()
	_, err := e.store.CreateTransaction(ctx, types.Transaction{
		UserID:       plan.UserID,
		PlanID:       &plan.ID,
		Type:         types.TxTypeSIPExecution,
		Status:       types.TxStatusFailed,
		InputAmount:  plan.AmountMinor,
		InputAsset:   "INR",
		OutputAsset:  plan.TargetAsset,
		ErrorMessage: &reason,
		CompletedAt:  &now,
	})
	if err != nil {
		e.logger.Errorf("failed to audit precondition failure for plan %s: %v", plan.ID, err)
	}
	e.metrics.CountExecution("precondition_failed")
	return fmt.Errorf("%w: %s", ErrPrecondition, reason)
}

func (e *Engine) failExecution(ctx context.Context, plan types.Plan, tx types.Transaction, reason string) error {
	if err := e.store.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
		e.logger.Errorf("failed to mark transaction %s failed: %v", tx.ID, err)
	}

	paused, err := e.store.RecordPlanFailure(ctx, plan.ID, e.failureThreshold)
	if err != nil {
		e.logger.Errorf("failed to record plan failure for %s: %v", plan.ID, err)
	}
	if paused {
		e.logger.WithField("plan_id", plan.ID).
			Warn("plan auto-paused after repeated failures")
	}

	return errors.New(reason)
}
