package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Queue wraps the asynq client behind the narrow Enqueue shape the engine and
// webhook handlers use.
type Queue struct {
	client *asynq.Client
}

func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	_, err = q.client.EnqueueContext(
		ctx,
		asynq.NewTask(taskType, buf),
		asynq.Queue(QueueName),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskType, err)
	}
	return nil
}
