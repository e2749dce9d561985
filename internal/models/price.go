package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StalenessLevel buckets a price observation's age.
type StalenessLevel string

const (
	StalenessFresh      StalenessLevel = "fresh"
	StalenessAcceptable StalenessLevel = "acceptable"
	StalenessStale      StalenessLevel = "stale"
	StalenessVeryStale  StalenessLevel = "very_stale"
)

// Staleness thresholds in seconds since publish.
const (
	FreshMaxAgeSeconds      = 30
	AcceptableMaxAgeSeconds = 60
	StaleMaxAgeSeconds      = 600
)

// OraclePrice is a point-in-time observation from a price feed. Age and
// staleness are derived on every read, never stored.
type OraclePrice struct {
	FeedID      string          `json:"feed_id"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime time.Time       `json:"publish_time"`
}

// AgeSeconds returns how old the observation is at the given instant.
func (p OraclePrice) AgeSeconds(now time.Time) float64 {
	return now.Sub(p.PublishTime).Seconds()
}

// StalenessAt buckets the observation's age at the given instant.
func (p OraclePrice) StalenessAt(now time.Time) StalenessLevel {
	age := p.AgeSeconds(now)
	switch {
	case age <= FreshMaxAgeSeconds:
		return StalenessFresh
	case age <= AcceptableMaxAgeSeconds:
		return StalenessAcceptable
	case age <= StaleMaxAgeSeconds:
		return StalenessStale
	default:
		return StalenessVeryStale
	}
}

// ConfidenceRatio returns confidence/price, the feed's self-reported
// uncertainty relative to the price. Zero price yields a ratio of 1 so
// that a degenerate observation is never trusted.
func (p OraclePrice) ConfidenceRatio() decimal.Decimal {
	if p.Price.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.Confidence.Div(p.Price)
}
