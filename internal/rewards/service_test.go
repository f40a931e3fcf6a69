package rewards

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	byEvent map[string]*types.Reward
	credits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byEvent: map[string]*types.Reward{}}
}

func (f *fakeStore) CreateReward(_ context.Context, r types.Reward) (types.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byEvent[r.EventID]; dup {
		return types.Reward{}, postgres.ErrDuplicateKey
	}
	r.ID = uuid.New()
	cp := r
	f.byEvent[r.EventID] = &cp
	return r, nil
}

func (f *fakeStore) GetRewardByEventID(_ context.Context, eventID string) (types.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byEvent[eventID]
	if !ok {
		return types.Reward{}, postgres.ErrNotFound
	}
	return *r, nil
}

func (f *fakeStore) CreditReward(_ context.Context, r types.Reward) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.byEvent[r.EventID]
	if stored.Credited {
		return nil
	}
	stored.Credited = true
	stored.TokenAmount = r.TokenAmount
	f.credits++
	return nil
}

type fakeEngine struct {
	points int64
	err    error
	calls  int
}

func (f *fakeEngine) ReportEvent(context.Context, string, string, string, int64, time.Time) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.points, nil
}

func creditTask(t *testing.T, eventID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(tasks.RewardCreditPayload{
		UserID:        uuid.New(),
		TransactionID: uuid.New(),
		EventID:       eventID,
		EventType:     string(types.RewardEventSIPExecuted),
		Amount:        10000,
		TriggeredAt:   time.Now(),
	})
	require.NoError(t, err)
	return asynq.NewTask(tasks.TypeRewardCredit, payload)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestHandleCreditIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{points: 50}
	svc := NewService(store, engine, quietLogger())

	task := creditTask(t, "sip:once")
	require.NoError(t, svc.HandleCredit(context.Background(), task))
	require.NoError(t, svc.HandleCredit(context.Background(), task))

	require.Equal(t, 1, store.credits)
	require.Equal(t, int64(50), store.byEvent["sip:once"].TokenAmount)
}

func TestHandleCreditRecoversFromFailedReport(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{points: 50, err: fmt.Errorf("campaign engine down")}
	svc := NewService(store, engine, quietLogger())

	task := creditTask(t, "sip:retry")

	// First attempt records the event but the external report fails.
	require.Error(t, svc.HandleCredit(context.Background(), task))
	require.False(t, store.byEvent["sip:retry"].Credited)

	// The retried task adopts the uncredited row and finishes the credit.
	engine.err = nil
	require.NoError(t, svc.HandleCredit(context.Background(), task))
	require.True(t, store.byEvent["sip:retry"].Credited)
	require.Equal(t, 1, store.credits)
}
