package types

import (
	"time"

	"github.com/google/uuid"
)

type RewardEventType string

const (
	RewardEventSIPExecuted RewardEventType = "sip_executed"
	RewardEventDeposit     RewardEventType = "deposit"
	RewardEventReferral    RewardEventType = "referral"
)

// Reward is created once per triggering event; EventID is unique so replaying
// the same event never credits twice.
type Reward struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	EventID     string          `json:"event_id"`
	EventType   RewardEventType `json:"event_type"`
	TokenAmount int64           `json:"token_amount"`
	Credited    bool            `json:"credited"`
	TriggeredAt time.Time       `json:"triggered_at"`
	CreditedAt  *time.Time      `json:"credited_at,omitempty"`
}

type LedgerDirection string

const (
	LedgerCredit LedgerDirection = "credit"
	LedgerDebit  LedgerDirection = "debit"
)

// RewardLedgerEntry is the append-only point movement backing the cached
// balance on the user row.
type RewardLedgerEntry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	RewardID  *uuid.UUID      `json:"reward_id,omitempty"`
	Direction LedgerDirection `json:"direction"`
	Amount    int64           `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
