package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentKind distinguishes periodic buys from conditional orders.
type IntentKind string

const (
	KindDCA      IntentKind = "dca"
	KindStopLoss IntentKind = "stop_loss"
)

// PriceDirection is the side of the threshold a conditional order fires on.
type PriceDirection string

const (
	DirectionAbove PriceDirection = "above"
	DirectionBelow PriceDirection = "below"
)

// IntentStatus enumerates lifecycle states persisted in Postgres.
const (
	IntentStatusActive    = "active"
	IntentStatusCompleted = "completed"
	IntentStatusCancelled = "cancelled"
	IntentStatusFailed    = "failed"
)

// Intent is a user's standing instruction: a recurring DCA buy or a
// conditional stop-loss sell. Mutated only by the scheduler and by
// explicit user cancellation.
type Intent struct {
	ID      string     `json:"id"`
	UserKey string     `json:"user_key"`
	Kind    IntentKind `json:"kind"`

	TokenFrom       string          `json:"token_from"`
	TokenTo         string          `json:"token_to"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	SlippageBps     int             `json:"slippage_bps"`

	// DCA schedule terms.
	IntervalSeconds int64           `json:"interval_seconds,omitempty"`
	AmountPerSlice  decimal.Decimal `json:"amount_per_slice,omitempty"`
	NextExecutionAt time.Time       `json:"next_execution_at,omitempty"`

	// Conditional trigger terms.
	PriceThreshold decimal.Decimal `json:"price_threshold,omitempty"`
	PriceDirection PriceDirection  `json:"price_direction,omitempty"`
	PriceFeedID    string          `json:"price_feed_id,omitempty"`

	Status          string     `json:"status"`
	ExecutionCount  int        `json:"execution_count"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the intent has reached a state it can never
// leave. Terminal intents are skipped by the scheduler and cannot be
// resurrected.
func (i *Intent) IsTerminal() bool {
	switch i.Status {
	case IntentStatusCompleted, IntentStatusCancelled, IntentStatusFailed:
		return true
	}
	return false
}

// SliceAmount returns the amount for the next DCA execution. The final
// slice can be smaller than the configured per-slice amount when the
// remaining balance does not cover a full slice.
func (i *Intent) SliceAmount() decimal.Decimal {
	if i.RemainingAmount.LessThan(i.AmountPerSlice) {
		return i.RemainingAmount
	}
	return i.AmountPerSlice
}
