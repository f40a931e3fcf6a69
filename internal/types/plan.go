package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCancelled PlanStatus = "cancelled"
	PlanStatusCompleted PlanStatus = "completed"
)

type Frequency string

const (
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "bi-weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Interval returns the fixed seconds-based interval for a frequency.
// Monthly is approximated as 30 days, matching the stored interval_seconds column.
func (f Frequency) Interval() (time.Duration, error) {
	switch f {
	case FrequencyHourly:
		return time.Hour, nil
	case FrequencyDaily:
		return 24 * time.Hour, nil
	case FrequencyWeekly:
		return 7 * 24 * time.Hour, nil
	case FrequencyBiWeekly:
		return 14 * 24 * time.Hour, nil
	case FrequencyMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown frequency: %s", f)
	}
}

func (f Frequency) Valid() bool {
	_, err := f.Interval()
	return err == nil
}

// Plan is a recurring investment configuration. Amounts are smallest-unit
// integers: AmountMinor is paise, TotalReceived is target-asset base units,
// AveragePrice is micro-stable per whole target unit.
type Plan struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	AmountMinor     int64     `json:"amount_minor"`
	Frequency       Frequency `json:"frequency"`
	IntervalSeconds int64     `json:"interval_seconds"`
	TargetAsset     string    `json:"target_asset"`
	InputAsset      string    `json:"input_asset,omitempty"`

	VaultAddress string `json:"vault_address"`
	VaultIndex   *int64 `json:"vault_index,omitempty"`

	TotalInvested       int64 `json:"total_invested"`
	TotalReceived       int64 `json:"total_received"`
	AveragePrice        int64 `json:"average_price"`
	ExecutionCount      int64 `json:"execution_count"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	TotalFailures       int   `json:"total_failures"`

	Status         PlanStatus `json:"status"`
	NextExecution  time.Time  `json:"next_execution"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval prefers the stored seconds value and falls back to the frequency.
func (p Plan) Interval() time.Duration {
	if p.IntervalSeconds > 0 {
		return time.Duration(p.IntervalSeconds) * time.Second
	}
	d, err := p.Frequency.Interval()
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

func (p Plan) Terminal() bool {
	return p.Status == PlanStatusCancelled || p.Status == PlanStatusCompleted
}

// RecomputeAveragePrice returns total invested over total received as
// micro-stable per whole target unit, or 0 when nothing has been received
// yet. totalReceived is in asset base units, so the invested total is scaled
// by 10^assetDecimals first; that product exceeds int64 range, hence big.Int.
func RecomputeAveragePrice(totalInvestedStable, totalReceived, assetScale int64) int64 {
	if totalReceived <= 0 {
		return 0
	}
	scaled := new(big.Int).Mul(big.NewInt(totalInvestedStable), big.NewInt(assetScale))
	return scaled.Quo(scaled, big.NewInt(totalReceived)).Int64()
}
