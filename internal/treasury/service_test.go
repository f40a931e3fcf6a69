package treasury

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

	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/payment"
	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

type fakeStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]types.User
	txs   map[uuid.UUID]*types.Transaction
	byRef map[string]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[uuid.UUID]types.User{},
		txs:   map[uuid.UUID]*types.Transaction{},
		byRef: map[string]uuid.UUID{},
	}
}

func (f *fakeStore) addUser(u types.User) types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return u
}

func (f *fakeStore) tx(id uuid.UUID) types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.txs[id]
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

func (f *fakeStore) GetUserByPhone(_ context.Context, phone string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Phone == phone {
			return u, nil
		}
	}
	return types.User{}, fmt.Errorf("no such user")
}

func (f *fakeStore) CreateTransaction(_ context.Context, t types.Transaction) (types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.GatewayRef != nil {
		if _, dup := f.byRef[*t.GatewayRef]; dup {
			return types.Transaction{}, postgres.ErrDuplicateKey
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	cp := t
	f.txs[t.ID] = &cp
	if t.GatewayRef != nil {
		f.byRef[*t.GatewayRef] = t.ID
	}
	return t, nil
}

func (f *fakeStore) GetTransactionByID(_ context.Context, id uuid.UUID) (types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return types.Transaction{}, postgres.ErrNotFound
	}
	return *tx, nil
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
	return nil
}

func (f *fakeStore) MarkTransactionFailed(_ context.Context, id uuid.UUID, reason string) error {
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

func (f *fakeStore) ListDeferredDeposits(_ context.Context) ([]types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Transaction
	for _, tx := range f.txs {
		if tx.Type != types.TxTypeDeposit || tx.Status != types.TxStatusPending || tx.TxHash != nil {
			continue
		}
		if u, ok := f.users[tx.UserID]; ok && u.VaultAddress != "" {
			out = append(out, *tx)
		}
	}
	return out, nil
}

type fakeOracle struct {
	rate *big.Rat
	err  error
}

func (f *fakeOracle) GetFiatRate(context.Context) (oracle.Quote, error) {
	if f.err != nil {
		return oracle.Quote{}, f.err
	}
	return oracle.Quote{Rate: f.rate, Timestamp: time.Now()}, nil
}

func (f *fakeOracle) GetAssetRate(context.Context, string, string) (oracle.Quote, error) {
	return oracle.Quote{}, fmt.Errorf("not used")
}

type fakeChain struct {
	depositErr error
	outcome    chain.Outcome
	txStatus   chain.OnChainStatus

	deposits int
}

func (f *fakeChain) SubmitExecution(context.Context, string, int64, *big.Int, *big.Int) (chain.Submitted, error) {
	return chain.Submitted{}, fmt.Errorf("not used")
}

func (f *fakeChain) SubmitDeposit(context.Context, string, *big.Int) (chain.Submitted, error) {
	if f.depositErr != nil {
		return chain.Submitted{}, f.depositErr
	}
	f.deposits++
	return chain.Submitted{Hash: fmt.Sprintf("0xdep%d", f.deposits)}, nil
}

func (f *fakeChain) WaitForConfirmation(context.Context, string) (chain.Outcome, error) {
	return f.outcome, nil
}

func (f *fakeChain) GetTxStatus(context.Context, string) (chain.OnChainStatus, error) {
	return f.txStatus, nil
}

func (f *fakeChain) WaitForFill(context.Context, [32]byte, time.Duration, time.Duration) (*chain.Fill, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeChain) CreateVault(context.Context, string) (string, error) {
	return "", fmt.Errorf("not used")
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

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func provisionedUser() types.User {
	return types.User{
		ID:            uuid.New(),
		Phone:         "+919876543210",
		WalletAddress: "0xwallet",
		VaultAddress:  "0xvault",
	}
}

func TestRecordCaptureIsIdempotentOnGatewayRef(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(provisionedUser())
	queue := &fakeQueue{}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, &fakeChain{}, queue, "USDC", quietLogger())

	event := payment.CaptureEvent{
		Payer:       user.Phone,
		AmountMinor: 50000,
		GatewayRef:  "pay_abc123",
		Status:      "success",
	}

	require.NoError(t, svc.RecordCapture(context.Background(), event))
	require.NoError(t, svc.RecordCapture(context.Background(), event))
	require.NoError(t, svc.RecordCapture(context.Background(), event))

	// One deposit row, one funding task, regardless of replays.
	require.Len(t, store.txs, 1)
	require.Equal(t, 1, queue.count())
}

func TestRecordCaptureDefersWithoutVault(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(types.User{ID: uuid.New(), Phone: "+911111111111"})
	queue := &fakeQueue{}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, &fakeChain{}, queue, "USDC", quietLogger())

	require.NoError(t, svc.RecordCapture(context.Background(), payment.CaptureEvent{
		Payer:       user.Phone,
		AmountMinor: 50000,
		GatewayRef:  "pay_deferred",
		Status:      "success",
	}))

	require.Equal(t, 0, queue.count())
	require.Len(t, store.txs, 1)
	for _, tx := range store.txs {
		require.Equal(t, types.TxStatusPending, tx.Status)
	}
}

func TestRecordCaptureFailedAtGateway(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(provisionedUser())
	queue := &fakeQueue{}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, &fakeChain{}, queue, "USDC", quietLogger())

	require.NoError(t, svc.RecordCapture(context.Background(), payment.CaptureEvent{
		Payer:       user.Phone,
		AmountMinor: 50000,
		GatewayRef:  "pay_failed",
		Status:      "failed",
	}))

	require.Equal(t, 0, queue.count())
	for _, tx := range store.txs {
		require.Equal(t, types.TxStatusFailed, tx.Status)
	}
}

func TestRecordCaptureUnknownPayer(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, &fakeChain{}, &fakeQueue{}, "USDC", quietLogger())

	err := svc.RecordCapture(context.Background(), payment.CaptureEvent{
		Payer:       "+910000000000",
		AmountMinor: 50000,
		GatewayRef:  "pay_nobody",
		Status:      "success",
	})
	require.Error(t, err)
	require.Empty(t, store.txs)
}

func TestFundBridgesDepositOnChain(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(provisionedUser())
	onchain := &fakeChain{outcome: chain.Outcome{Status: chain.StatusSuccess, BlockNumber: 99}}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, onchain, &fakeQueue{}, "USDC", quietLogger())

	ref := "pay_fund"
	tx, err := store.CreateTransaction(context.Background(), types.Transaction{
		UserID:      user.ID,
		Type:        types.TxTypeDeposit,
		Status:      types.TxStatusPending,
		InputAmount: 100000, // ₹1000
		InputAsset:  "INR",
		OutputAsset: "USDC",
		GatewayRef:  &ref,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Fund(context.Background(), tx.ID))

	got := store.tx(tx.ID)
	require.Equal(t, types.TxStatusSuccess, got.Status)
	require.Equal(t, "0xdep1", *got.TxHash)
	require.Equal(t, int64(99), *got.BlockNumber)
	// floor(1000/85 * 1e6) micro-USDC
	require.Equal(t, int64(11764705), *got.OutputAmount)

	// Replaying the task against a settled deposit is a no-op.
	require.NoError(t, svc.Fund(context.Background(), tx.ID))
	require.Equal(t, 1, onchain.deposits)
}

func TestFundReconcilesExistingHash(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(provisionedUser())
	onchain := &fakeChain{txStatus: chain.StatusSuccess}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, onchain, &fakeQueue{}, "USDC", quietLogger())

	hash := "0xinflight"
	tx, err := store.CreateTransaction(context.Background(), types.Transaction{
		UserID:      user.ID,
		Type:        types.TxTypeDeposit,
		Status:      types.TxStatusPending,
		InputAmount: 100000,
		InputAsset:  "INR",
		OutputAsset: "USDC",
		TxHash:      &hash,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Fund(context.Background(), tx.ID))

	require.Equal(t, 0, onchain.deposits)
	require.Equal(t, types.TxStatusSuccess, store.tx(tx.ID).Status)
}

func TestSweepDeferredEnqueuesProvisionedDeposits(t *testing.T) {
	store := newFakeStore()
	provisioned := store.addUser(provisionedUser())
	bare := store.addUser(types.User{ID: uuid.New(), Phone: "+912222222222"})

	for _, u := range []types.User{provisioned, bare} {
		ref := "pay_sweep_" + u.ID.String()
		_, err := store.CreateTransaction(context.Background(), types.Transaction{
			UserID:      u.ID,
			Type:        types.TxTypeDeposit,
			Status:      types.TxStatusPending,
			InputAmount: 10000,
			InputAsset:  "INR",
			OutputAsset: "USDC",
			GatewayRef:  &ref,
		})
		require.NoError(t, err)
	}

	queue := &fakeQueue{}
	svc := NewService(store, &fakeOracle{rate: big.NewRat(85, 1)}, &fakeChain{}, queue, "USDC", quietLogger())

	require.NoError(t, svc.SweepDeferred(context.Background()))

	// Only the deposit whose owner now has a vault gets queued.
	require.Equal(t, 1, queue.count())
	require.Equal(t, []string{tasks.TypeTreasuryFund}, queue.tasks)
}
