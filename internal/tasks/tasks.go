package tasks

import (
	"time"

	"github.com/google/uuid"
)

const QueueName = "stride"

const (
	// TypeTreasuryFund bridges a captured fiat deposit into the user's vault.
	TypeTreasuryFund = "treasury:fund"
	// TypeRewardCredit reports a completed execution to the campaign engine.
	TypeRewardCredit = "reward:credit"
	// TypeReceiptArchive serializes and stores an execution receipt.
	TypeReceiptArchive = "receipt:archive"
)

type TreasuryFundPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

type RewardCreditPayload struct {
	UserID        uuid.UUID `json:"user_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Amount        int64     `json:"amount"`
	TriggeredAt   time.Time `json:"triggered_at"`
}

type ReceiptArchivePayload struct {
	UserID        uuid.UUID  `json:"user_id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	PlanID        *uuid.UUID `json:"plan_id,omitempty"`
	ReceiptType   string     `json:"receipt_type"`
}
