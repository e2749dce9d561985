package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus enumerates execution states recorded on a receipt.
const (
	ReceiptStatusPending   = "pending"
	ReceiptStatusSubmitted = "submitted"
	ReceiptStatusConfirmed = "confirmed"
	ReceiptStatusFailed    = "failed"
)

// ExecutionProfile selects how aggressively fees are bid.
type ExecutionProfile string

const (
	ProfileFast  ExecutionProfile = "FAST"
	ProfileAuto  ExecutionProfile = "AUTO"
	ProfileCheap ExecutionProfile = "CHEAP"
)

// ReceiptRequest captures the execution inputs as requested.
type ReceiptRequest struct {
	TokenIn     string           `json:"token_in"`
	TokenOut    string           `json:"token_out"`
	Amount      decimal.Decimal  `json:"amount"`
	SlippageBps int              `json:"slippage_bps"`
	Mode        string           `json:"mode"`
	Profile     ExecutionProfile `json:"profile"`
}

// ReceiptQuote captures what the quote provider promised before execution.
type ReceiptQuote struct {
	OutAmount      decimal.Decimal `json:"out_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// ExecutionAttempt is one try against one endpoint.
type ExecutionAttempt struct {
	Endpoint  string    `json:"endpoint"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ReceiptResult captures what actually happened on chain.
type ReceiptResult struct {
	OutAmountActual decimal.Decimal `json:"out_amount_actual"`
	Signature       string          `json:"signature"`
	BalanceDeltaIn  decimal.Decimal `json:"balance_delta_in"`
	BalanceDeltaOut decimal.Decimal `json:"balance_delta_out"`
}

// ReceiptDiff is the quoted-vs-actual comparison. It is only present
// once both sides are known; a missing quote or result leaves it nil
// rather than zero-filled.
type ReceiptDiff struct {
	Amount decimal.Decimal `json:"amount"`
	Pct    decimal.Decimal `json:"pct"`
}

// Receipt is the full audit trail of one execution attempt, persisted
// before execution begins so a crash still leaves an inspectable record.
type Receipt struct {
	ID       string             `json:"id"`
	IntentID string             `json:"intent_id"`
	UserKey  string             `json:"user_key"`
	Request  ReceiptRequest     `json:"request"`
	Quote    *ReceiptQuote      `json:"quote,omitempty"`
	Status   string             `json:"status"`
	Attempts []ExecutionAttempt `json:"attempts,omitempty"`
	Result   *ReceiptResult     `json:"result,omitempty"`
	Diff     *ReceiptDiff       `json:"diff,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttestationLeg is one link in a receipt's hash chain. Its hash covers
// the leg's own economic fields plus the previous leg's hash, so any
// single mutation breaks the chain downstream.
type AttestationLeg struct {
	ReceiptID string          `json:"receipt_id"`
	LegIndex  int             `json:"leg_index"`
	TokenIn   string          `json:"token_in"`
	TokenOut  string          `json:"token_out"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Signature string          `json:"signature"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

// Attestation groups a receipt's legs under a Merkle root.
type Attestation struct {
	ReceiptID  string           `json:"receipt_id"`
	Legs       []AttestationLeg `json:"legs"`
	MerkleRoot string           `json:"merkle_root"`
}
