package receipts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/types"
)

// HandleArchive is the asynq handler for receipt-archive tasks.
func (a *Archiver) HandleArchive(ctx context.Context, task *asynq.Task) error {
	var payload tasks.ReceiptArchivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal receipt payload: %w", err)
	}

	return a.Archive(
		ctx,
		payload.UserID,
		payload.TransactionID,
		payload.PlanID,
		types.ReceiptType(payload.ReceiptType),
	)
}
