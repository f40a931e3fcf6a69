package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

var testNow = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*types.Plan
	users map[uuid.UUID]types.User
	txs   map[uuid.UUID]*types.Transaction

	created int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans: map[uuid.UUID]*types.Plan{},
		users: map[uuid.UUID]types.User{},
		txs:   map[uuid.UUID]*types.Transaction{},
	}
}

func (f *fakeStore) addPlan(p types.Plan) types.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.plans[p.ID] = &cp
	return cp
}

func (f *fakeStore) plan(id uuid.UUID) types.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.plans[id]
}

func (f *fakeStore) planTxs(id uuid.UUID) []types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Transaction
	for _, tx := range f.txs {
		if tx.PlanID != nil && *tx.PlanID == id {
			out = append(out, *tx)
		}
	}
	return out
}

func (f *fakeStore) GetDuePlans(_ context.Context, now time.Time) ([]types.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []types.Plan
	for _, p := range f.plans {
		if p.Status == types.PlanStatusActive && !p.NextExecution.After(now) {
			due = append(due, *p)
		}
	}
	return due, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("no such user")
	}
	return u, nil
}

func (f *fakeStore) CreateTransaction(_ context.Context, t types.Transaction) (types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = testNow
	cp := t
	f.txs[t.ID] = &cp
	f.created++
	return t, nil
}

func (f *fakeStore) FindOpenExecution(_ context.Context, planID uuid.UUID, _ time.Time) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.PlanID != nil && *tx.PlanID == planID &&
			tx.Type == types.TxTypeSIPExecution && tx.Status == types.TxStatusProcessing {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SetTransactionHash(_ context.Context, id uuid.UUID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[id].TxHash = &hash
	return nil
}

func (f *fakeStore) MarkTransactionSuccess(_ context.Context, id uuid.UUID, outputAmount int64, hash string, blockNumber *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	if tx.Status.Terminal() {
		return nil
	}
	tx.Status = types.TxStatusSuccess
	tx.OutputAmount = &outputAmount
	if hash != "" {
		tx.TxHash = &hash
	}
	tx.BlockNumber = blockNumber
	completed := testNow
	tx.CompletedAt = &completed
	return nil
}

func (f *fakeStore) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	// Mirror pgx: a dead context never reaches the database.
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	if tx.Status.Terminal() {
		return nil
	}
	tx.Status = types.TxStatusFailed
	tx.ErrorMessage = &reason
	return nil
}

func (f *fakeStore) IncrementTransactionRetry(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[id].RetryCount++
	return nil
}

func (f *fakeStore) ApplyExecutionSuccess(_ context.Context, id uuid.UUID, investedStable, received, assetScale int64, now, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	p.TotalInvested += investedStable
	p.TotalReceived += received
	p.AveragePrice = types.RecomputeAveragePrice(p.TotalInvested, p.TotalReceived, assetScale)
	p.ExecutionCount++
	p.ConsecutiveFailures = 0
	p.LastExecutedAt = &now
	p.NextExecution = next
	return nil
}

func (f *fakeStore) RecordPlanFailure(_ context.Context, id uuid.UUID, pauseThreshold int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	p.ConsecutiveFailures++
	p.TotalFailures++
	if p.Status == types.PlanStatusActive && p.ConsecutiveFailures >= pauseThreshold {
		p.Status = types.PlanStatusPaused
		return true, nil
	}
	return false, nil
}

type fakeOracle struct {
	fiatRate  *big.Rat
	assetRate *big.Rat
	fiatErr   error
	assetErr  error

	onAssetRate func()
}

func (f *fakeOracle) GetFiatRate(context.Context) (oracle.Quote, error) {
	if f.fiatErr != nil {
		return oracle.Quote{}, f.fiatErr
	}
	return oracle.Quote{Rate: f.fiatRate, Timestamp: testNow}, nil
}

func (f *fakeOracle) GetAssetRate(_ context.Context, _, _ string) (oracle.Quote, error) {
	if f.onAssetRate != nil {
		f.onAssetRate()
	}
	if f.assetErr != nil {
		return oracle.Quote{}, f.assetErr
	}
	return oracle.Quote{Rate: f.assetRate, Timestamp: testNow}, nil
}

type fakeChain struct {
	mu sync.Mutex

	submitErr    error
	panicOnVault string
	confirmErr   error
	outcome      chain.Outcome
	fill         *chain.Fill
	fillErr      error
	txStatus     chain.OnChainStatus
	txStatusErr  error

	submissions int
}

func (f *fakeChain) SubmitExecution(_ context.Context, vault string, _ int64, _, _ *big.Int) (chain.Submitted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vault == f.panicOnVault && f.panicOnVault != "" {
		panic("node client blew up")
	}
	if f.submitErr != nil {
		return chain.Submitted{}, f.submitErr
	}
	f.submissions++
	return chain.Submitted{Hash: fmt.Sprintf("0xexec%d", f.submissions)}, nil
}

func (f *fakeChain) SubmitDeposit(context.Context, string, *big.Int) (chain.Submitted, error) {
	return chain.Submitted{Hash: "0xdeposit"}, nil
}

func (f *fakeChain) WaitForConfirmation(context.Context, string) (chain.Outcome, error) {
	if f.confirmErr != nil {
		return chain.Outcome{}, f.confirmErr
	}
	return f.outcome, nil
}

func (f *fakeChain) GetTxStatus(context.Context, string) (chain.OnChainStatus, error) {
	if f.txStatusErr != nil {
		return "", f.txStatusErr
	}
	return f.txStatus, nil
}

func (f *fakeChain) WaitForFill(context.Context, [32]byte, time.Duration, time.Duration) (*chain.Fill, error) {
	if f.fillErr != nil {
		return nil, f.fillErr
	}
	return f.fill, nil
}

func (f *fakeChain) CreateVault(context.Context, string) (string, error) {
	return "0xvault", nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeQueue) Enqueue(_ context.Context, taskType string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskType)
	return nil
}

func (f *fakeQueue) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks...)
}

func newTestEngine(store *fakeStore, rates *fakeOracle, onchain *fakeChain, queue *fakeQueue) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := config.Engine{
		Concurrency:      2,
		FailureThreshold: 3,
		FillTimeout:      time.Second,
		FillPoll:         time.Millisecond,
	}
	return New(store, rates, onchain, queue, nil, cfg, "USDC", logger).
		WithClock(func() time.Time { return testNow })
}

func seedPlan(store *fakeStore, userProvisioned bool) types.Plan {
	user := types.User{ID: uuid.New(), Phone: "+919999999999"}
	if userProvisioned {
		user.WalletAddress = "0xwallet"
		user.VaultAddress = "0xvaultaddr"
	}
	store.mu.Lock()
	store.users[user.ID] = user
	store.mu.Unlock()

	index := int64(0)
	return store.addPlan(types.Plan{
		ID:              uuid.New(),
		UserID:          user.ID,
		AmountMinor:     10000,
		Frequency:       types.FrequencyDaily,
		IntervalSeconds: 86400,
		TargetAsset:     "ETH",
		VaultAddress:    user.VaultAddress,
		VaultIndex:      &index,
		Status:          types.PlanStatusActive,
		NextExecution:   testNow.Add(-time.Minute),
	})
}

func TestExecutePlanSuccess(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	filled := big.NewInt(390_000_000_000_000)
	onchain := &fakeChain{
		outcome: chain.Outcome{Status: chain.StatusSuccess, BlockNumber: 123},
		fill:    &chain.Fill{Amount: filled},
	}
	queue := &fakeQueue{}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, onchain, queue)

	require.NoError(t, eng.ExecutePlan(context.Background(), plan))

	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusSuccess, txs[0].Status)
	require.Equal(t, filled.Int64(), *txs[0].OutputAmount)
	require.Equal(t, "0xexec1", *txs[0].TxHash)
	require.Equal(t, int64(123), *txs[0].BlockNumber)

	got := store.plan(plan.ID)
	require.Equal(t, int64(1), got.ExecutionCount)
	require.Equal(t, int64(1176470), got.TotalInvested) // floor(100/85 * 1e6)
	require.Equal(t, filled.Int64(), got.TotalReceived)
	// Micro-stable per whole ETH: floor(1176470 * 1e18 / 390_000_000_000_000).
	require.Equal(t, int64(3016589743), got.AveragePrice)
	require.Equal(t, 0, got.ConsecutiveFailures)
	require.Equal(t, testNow.Add(24*time.Hour), got.NextExecution)
	require.Equal(t, testNow, *got.LastExecutedAt)

	require.Equal(t, []string{tasks.TypeRewardCredit, tasks.TypeReceiptArchive}, queue.enqueued())
}

func TestExecutePlanOracleFailureKeepsSchedule(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	onchain := &fakeChain{}
	eng := newTestEngine(store, &fakeOracle{
		fiatErr: fmt.Errorf("oracle down"),
	}, onchain, &fakeQueue{})

	err := eng.ExecutePlan(context.Background(), plan)
	require.Error(t, err)
	require.Contains(t, err.Error(), "conversion failed")

	require.Equal(t, 0, onchain.submissions)

	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusFailed, txs[0].Status)

	got := store.plan(plan.ID)
	require.Equal(t, types.PlanStatusActive, got.Status)
	require.Equal(t, 1, got.ConsecutiveFailures)
	require.Equal(t, int64(0), got.ExecutionCount)
	require.Equal(t, plan.NextExecution, got.NextExecution)
}

func TestExecutePlanAutoPausesAfterThreshold(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	eng := newTestEngine(store, &fakeOracle{
		fiatErr: fmt.Errorf("oracle down"),
	}, &fakeChain{}, &fakeQueue{})

	for i := 0; i < 3; i++ {
		require.Error(t, eng.ExecutePlan(context.Background(), plan))
	}

	got := store.plan(plan.ID)
	require.Equal(t, types.PlanStatusPaused, got.Status)
	require.Equal(t, 3, got.ConsecutiveFailures)
	require.Equal(t, 3, got.TotalFailures)
}

func TestExecutePlanPreconditionDoesNotCountTowardPause(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, false)

	eng := newTestEngine(store, &fakeOracle{}, &fakeChain{}, &fakeQueue{})

	err := eng.ExecutePlan(context.Background(), plan)
	require.ErrorIs(t, err, ErrPrecondition)

	// Audited but not penalized.
	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusFailed, txs[0].Status)

	got := store.plan(plan.ID)
	require.Equal(t, types.PlanStatusActive, got.Status)
	require.Equal(t, 0, got.ConsecutiveFailures)
	require.Equal(t, 0, got.TotalFailures)
}

func TestExecutePlanSubmitErrorLeavesTransactionOpen(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, &fakeChain{submitErr: fmt.Errorf("broadcast timeout")}, &fakeQueue{})

	err := eng.ExecutePlan(context.Background(), plan)
	require.ErrorIs(t, err, ErrUnresolved)

	// Ambiguous outcome: no terminal state, no failure counted yet.
	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusProcessing, txs[0].Status)
	require.Equal(t, 0, store.plan(plan.ID).ConsecutiveFailures)
}

func TestExecutePlanAdoptsOpenExecution(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	// A crashed prior run left a hash-less processing transaction behind.
	prior, err := store.CreateTransaction(context.Background(), types.Transaction{
		UserID:      plan.UserID,
		PlanID:      &plan.ID,
		Type:        types.TxTypeSIPExecution,
		Status:      types.TxStatusProcessing,
		InputAmount: plan.AmountMinor,
		InputAsset:  "INR",
		OutputAsset: plan.TargetAsset,
	})
	require.NoError(t, err)

	onchain := &fakeChain{
		outcome: chain.Outcome{Status: chain.StatusSuccess, BlockNumber: 7},
		fill:    &chain.Fill{Amount: big.NewInt(1000)},
	}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, onchain, &fakeQueue{})

	require.NoError(t, eng.ExecutePlan(context.Background(), plan))

	// The open transaction was resumed, not duplicated.
	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, prior.ID, txs[0].ID)
	require.Equal(t, types.TxStatusSuccess, txs[0].Status)
	require.Equal(t, 1, txs[0].RetryCount)
	require.Equal(t, 1, onchain.submissions)
}

func TestExecutePlanReconcilesAdoptedHash(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	hash := "0xorphaned"
	_, err := store.CreateTransaction(context.Background(), types.Transaction{
		UserID:      plan.UserID,
		PlanID:      &plan.ID,
		Type:        types.TxTypeSIPExecution,
		Status:      types.TxStatusProcessing,
		InputAmount: plan.AmountMinor,
		InputAsset:  "INR",
		OutputAsset: plan.TargetAsset,
		TxHash:      &hash,
	})
	require.NoError(t, err)

	onchain := &fakeChain{txStatus: chain.StatusSuccess}
	eng := newTestEngine(store, &fakeOracle{fiatRate: big.NewRat(85, 1)}, onchain, &fakeQueue{})

	require.NoError(t, eng.ExecutePlan(context.Background(), plan))

	// No resubmission; settled conservatively with zero received.
	require.Equal(t, 0, onchain.submissions)
	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusSuccess, txs[0].Status)
	require.Equal(t, int64(0), *txs[0].OutputAmount)

	// The invested figure is re-quoted into stable units, never the raw
	// fiat amount, so the running totals stay in one currency.
	got := store.plan(plan.ID)
	require.Equal(t, int64(1), got.ExecutionCount)
	require.Equal(t, int64(1176470), got.TotalInvested)
	require.Equal(t, int64(0), got.TotalReceived)
	require.Equal(t, int64(0), got.AveragePrice)
	require.Equal(t, testNow.Add(24*time.Hour), got.NextExecution)
}

func TestExecutePlanCancelledBeforeSubmission(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onchain := &fakeChain{}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:    big.NewRat(85, 1),
		assetRate:   big.NewRat(1, 3000),
		onAssetRate: cancel,
	}, onchain, &fakeQueue{})

	err := eng.ExecutePlan(ctx, plan)
	require.ErrorIs(t, err, context.Canceled)

	// Nothing reached the chain, and the transaction still landed in a
	// terminal state despite the dead request context.
	require.Equal(t, 0, onchain.submissions)
	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusFailed, txs[0].Status)
	require.Contains(t, *txs[0].ErrorMessage, "cancelled")
	require.Equal(t, 0, store.plan(plan.ID).ConsecutiveFailures)
}

func TestExecutePlanFillTimeoutSettlesWithQuote(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	onchain := &fakeChain{
		outcome: chain.Outcome{Status: chain.StatusSuccess, BlockNumber: 55},
		fillErr: chain.ErrFillTimeout,
	}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, onchain, &fakeQueue{})

	require.NoError(t, eng.ExecutePlan(context.Background(), plan))

	stable, err := FiatToStable(plan.AmountMinor, 2, big.NewRat(85, 1))
	require.NoError(t, err)
	quoted, err := StableToAsset(stable, big.NewRat(1, 3000), 18)
	require.NoError(t, err)
	minOut := ApplySlippage(quoted, 100)

	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusSuccess, txs[0].Status)
	require.Equal(t, minOut.Int64(), *txs[0].OutputAmount)
}

func TestExecutePlanOnChainFailure(t *testing.T) {
	store := newFakeStore()
	plan := seedPlan(store, true)

	onchain := &fakeChain{
		outcome: chain.Outcome{Status: chain.StatusFailed, Reason: "reverted"},
	}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, onchain, &fakeQueue{})

	err := eng.ExecutePlan(context.Background(), plan)
	require.Error(t, err)

	txs := store.planTxs(plan.ID)
	require.Len(t, txs, 1)
	require.Equal(t, types.TxStatusFailed, txs[0].Status)
	require.Contains(t, *txs[0].ErrorMessage, "reverted")
	require.Equal(t, 1, store.plan(plan.ID).ConsecutiveFailures)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	store := newFakeStore()

	var poisoned types.Plan
	for i := 0; i < 5; i++ {
		p := seedPlan(store, true)
		if i == 2 {
			poisoned = p
		}
	}

	// Give the poisoned plan a distinct vault so the fake can target it.
	store.mu.Lock()
	store.plans[poisoned.ID].VaultAddress = "0xpoison"
	store.mu.Unlock()

	onchain := &fakeChain{
		panicOnVault: "0xpoison",
		outcome:      chain.Outcome{Status: chain.StatusSuccess, BlockNumber: 1},
		fill:         &chain.Fill{Amount: big.NewInt(42)},
	}
	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, onchain, &fakeQueue{})

	result, err := eng.RunBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, result.Processed)
	require.Equal(t, 4, result.Successful)
	require.Equal(t, 1, result.Failed)
}

func TestRunBatchSkipsPausedAndFuturePlans(t *testing.T) {
	store := newFakeStore()
	due := seedPlan(store, true)

	paused := seedPlan(store, true)
	store.mu.Lock()
	store.plans[paused.ID].Status = types.PlanStatusPaused
	store.mu.Unlock()

	future := seedPlan(store, true)
	store.mu.Lock()
	store.plans[future.ID].NextExecution = testNow.Add(time.Hour)
	store.mu.Unlock()

	eng := newTestEngine(store, &fakeOracle{
		fiatRate:  big.NewRat(85, 1),
		assetRate: big.NewRat(1, 3000),
	}, &fakeChain{
		outcome: chain.Outcome{Status: chain.StatusSuccess},
		fill:    &chain.Fill{Amount: big.NewInt(1)},
	}, &fakeQueue{})

	result, err := eng.RunBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, int64(1), store.plan(due.ID).ExecutionCount)
	require.Equal(t, int64(0), store.plan(paused.ID).ExecutionCount)
	require.Equal(t, int64(0), store.plan(future.ID).ExecutionCount)
}
