package types

import (
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxTypeDeposit      TxType = "deposit"
	TxTypeWithdrawal   TxType = "withdrawal"
	TxTypeSIPExecution TxType = "sip_execution"
	TxTypeReward       TxType = "reward"
	TxTypeSwap         TxType = "swap"
)

type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusProcessing TxStatus = "processing"
	TxStatusSuccess    TxStatus = "success"
	TxStatusFailed     TxStatus = "failed"
)

func (s TxStatus) Terminal() bool {
	return s == TxStatusSuccess || s == TxStatusFailed
}

// Transaction is the audit record of a money or asset movement. TxHash and
// GatewayRef carry unique indexes and act as idempotency keys once set.
type Transaction struct {
	ID     uuid.UUID  `json:"id"`
	UserID uuid.UUID  `json:"user_id"`
	PlanID *uuid.UUID `json:"plan_id,omitempty"`

	Type   TxType   `json:"type"`
	Status TxStatus `json:"status"`

	InputAmount  int64  `json:"input_amount"`
	OutputAmount *int64 `json:"output_amount,omitempty"`
	InputAsset   string `json:"input_asset"`
	OutputAsset  string `json:"output_asset,omitempty"`

	TxHash      *string `json:"tx_hash,omitempty"`
	BlockNumber *int64  `json:"block_number,omitempty"`
	GatewayRef  *string `json:"gateway_ref,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`
	RetryCount   int     `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
