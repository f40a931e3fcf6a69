package types

import (
	"time"

	"github.com/google/uuid"
)

type ReceiptType string

const (
	ReceiptTypeExecution ReceiptType = "execution"
	ReceiptTypeDeposit   ReceiptType = "deposit"
	ReceiptTypeStatement ReceiptType = "statement"
)

// Receipt points at an archived document in blob storage. Immutable once
// created except for the URL backfill after upload.
type Receipt struct {
	ID            uuid.UUID   `json:"id"`
	UserID        uuid.UUID   `json:"user_id"`
	TransactionID *uuid.UUID  `json:"transaction_id,omitempty"`
	PlanID        *uuid.UUID  `json:"plan_id,omitempty"`
	Type          ReceiptType `json:"type"`
	BlobName      string      `json:"blob_name"`
	URL           *string     `json:"url,omitempty"`
	Summary       string      `json:"summary"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
