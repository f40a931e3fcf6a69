package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

type Store interface {
	CreateReward(ctx context.Context, r types.Reward) (types.Reward, error)
	GetRewardByEventID(ctx context.Context, eventID string) (types.Reward, error)
	CreditReward(ctx context.Context, r types.Reward) error
}

// Service consumes reward-credit tasks. Crediting is idempotent on the event
// id: a replayed task that raced an earlier credit is a no-op.
type Service struct {
	store  Store
	engine Engine
	logger *logrus.Logger
}

func NewService(store Store, campaignEngine Engine, logger *logrus.Logger) *Service {
	return &Service{
		store:  store,
		engine: campaignEngine,
		logger: logger.WithField("pkg", "rewards.Service").Logger,
	}
}

func (s *Service) HandleCredit(ctx context.Context, task *asynq.Task) error {
	var payload tasks.RewardCreditPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal reward payload: %w", err)
	}

	reward, err := s.store.CreateReward(ctx, types.Reward{
		UserID:      payload.UserID,
		EventID:     payload.EventID,
		EventType:   types.RewardEventType(payload.EventType),
		TriggeredAt: payload.TriggeredAt,
	})
	if err != nil {
		if !errors.Is(err, postgres.ErrDuplicateKey) {
			return fmt.Errorf("s.store.CreateReward: %w", err)
		}
		// A previous attempt recorded the event but may have died before the
		// credit landed. Pick the row back up; crediting twice is impossible.
		reward, err = s.store.GetRewardByEventID(ctx, payload.EventID)
		if err != nil {
			return fmt.Errorf("s.store.GetRewardByEventID: %w", err)
		}
		if reward.Credited {
			s.logger.WithField("event_id", payload.EventID).
				Info("reward already credited, skipping")
			return nil
		}
	}

	points, err := s.engine.ReportEvent(
		ctx,
		payload.EventID,
		payload.EventType,
		payload.UserID.String(),
		payload.Amount,
		payload.TriggeredAt,
	)
	if err != nil {
		// The reward row exists uncredited; asynq retries the task and the
		// credit path below stays idempotent.
		return fmt.Errorf("s.engine.ReportEvent: %w", err)
	}

	reward.TokenAmount = points
	if err := s.store.CreditReward(ctx, reward); err != nil {
		return fmt.Errorf("s.store.CreditReward: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"event_id": payload.EventID,
		"points":   points,
	}).Info("reward credited")
	return nil
}
