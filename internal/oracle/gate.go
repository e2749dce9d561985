package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/telemetry"
)

// Confidence ceilings: a feed reporting a wider uncertainty band than
// these ratios is not actionable.
var (
	tradingMaxConfidenceRatio  = decimal.RequireFromString("0.005") // 0.5%
	stopLossMaxConfidenceRatio = decimal.RequireFromString("0.01")  // 1.0%
)

const defaultCacheTTL = 5 * time.Second

// Assessment is the gate's verdict on one observation at one instant.
// Age and staleness are recomputed on every read, not only on fetch.
type Assessment struct {
	Price            models.OraclePrice
	AgeSeconds       float64
	Staleness        models.StalenessLevel
	ConfidenceRatio  decimal.Decimal
	TradingEligible  bool
	StopLossEligible bool
	Reason           string
}

// TriggerResult reports a stop-loss evaluation. The reason string is
// attached to skipped ticks so users can see why nothing happened.
type TriggerResult struct {
	Triggered  bool
	CanExecute bool
	Reason     string
	Price      models.OraclePrice
}

// Gate decides whether a price observation is trustworthy enough to act
// on. It serves from its own short-TTL cache and degrades explicitly:
// when the provider is down, the last cached value is used but forced to
// the worst staleness tier instead of being silently treated as fresh.
type Gate struct {
	provider Provider
	cache    *PriceCache
	logger   *zap.Logger
	now      func() time.Time
}

func NewGate(provider Provider, cache *PriceCache, logger *zap.Logger) *Gate {
	if cache == nil {
		cache = NewPriceCache(defaultCacheTTL)
	}
	return &Gate{
		provider: provider,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// fetchOrCache returns the observation to assess plus whether it came
// from the degraded provider-down path.
func (g *Gate) fetchOrCache(ctx context.Context, feedID string) (models.OraclePrice, bool, error) {
	now := g.now()
	if price, ok := g.cache.Get(feedID, now); ok {
		return price, false, nil
	}

	price, err := g.provider.GetLatestPrice(ctx, feedID)
	if err == nil {
		g.cache.Set(feedID, price, now)
		return price, false, nil
	}

	if stale, ok := g.cache.GetAny(feedID); ok {
		g.logger.Warn("price provider unavailable, degrading to cached value",
			zap.String("feed_id", feedID), zap.Error(err))
		return stale, true, nil
	}
	return models.OraclePrice{}, false, fmt.Errorf("fetch price for feed %s: %w", feedID, err)
}

// Assess fetches (or serves cached) and grades the observation.
func (g *Gate) Assess(ctx context.Context, feedID string) (Assessment, error) {
	price, degraded, err := g.fetchOrCache(ctx, feedID)
	if err != nil {
		return Assessment{}, err
	}
	return g.assessAt(price, degraded, g.now()), nil
}

func (g *Gate) assessAt(price models.OraclePrice, degraded bool, now time.Time) Assessment {
	a := Assessment{
		Price:           price,
		AgeSeconds:      price.AgeSeconds(now),
		Staleness:       price.StalenessAt(now),
		ConfidenceRatio: price.ConfidenceRatio(),
	}
	if degraded {
		a.Staleness = models.StalenessVeryStale
	}

	switch {
	case a.Staleness != models.StalenessFresh:
		a.Reason = fmt.Sprintf("price is %s (age %.0fs), trading requires a fresh price", a.Staleness, a.AgeSeconds)
	case a.ConfidenceRatio.GreaterThan(tradingMaxConfidenceRatio):
		a.Reason = fmt.Sprintf("price confidence interval too wide for trading (%s%%)", confidencePctString(a.ConfidenceRatio))
	default:
		a.TradingEligible = true
	}

	stopLossFreshEnough := a.Staleness == models.StalenessFresh || a.Staleness == models.StalenessAcceptable
	a.StopLossEligible = stopLossFreshEnough && !a.ConfidenceRatio.GreaterThan(stopLossMaxConfidenceRatio)
	return a
}

// CheckStopLossTrigger evaluates a conditional order's threshold against
// the current price. Every failure mode, provider errors included, folds
// into triggered=false, canExecute=false with a human-readable reason.
func (g *Gate) CheckStopLossTrigger(ctx context.Context, feedID string, threshold decimal.Decimal, direction models.PriceDirection) TriggerResult {
	price, degraded, err := g.fetchOrCache(ctx, feedID)
	if err != nil {
		telemetry.GateSkips.WithLabelValues("no_price").Inc()
		return TriggerResult{
			Reason: fmt.Sprintf("no price available for feed %s", feedID),
		}
	}

	a := g.assessAt(price, degraded, g.now())
	if a.Staleness == models.StalenessStale || a.Staleness == models.StalenessVeryStale {
		telemetry.GateSkips.WithLabelValues("stale_price").Inc()
		return TriggerResult{
			Price:  price,
			Reason: fmt.Sprintf("price is too stale for stop-loss evaluation (%s, age %.0fs)", a.Staleness, a.AgeSeconds),
		}
	}
	if a.ConfidenceRatio.GreaterThan(stopLossMaxConfidenceRatio) {
		telemetry.GateSkips.WithLabelValues("low_confidence").Inc()
		return TriggerResult{
			Price:  price,
			Reason: fmt.Sprintf("price confidence interval too wide for stop-loss (%s%%)", confidencePctString(a.ConfidenceRatio)),
		}
	}

	var triggered bool
	switch direction {
	case models.DirectionBelow:
		triggered = price.Price.LessThanOrEqual(threshold)
	case models.DirectionAbove:
		triggered = price.Price.GreaterThanOrEqual(threshold)
	default:
		return TriggerResult{Price: price, Reason: fmt.Sprintf("unknown price direction %q", direction)}
	}

	if !triggered {
		telemetry.GateSkips.WithLabelValues("not_triggered").Inc()
		return TriggerResult{
			Price:  price,
			Reason: fmt.Sprintf("current price %s has not reached %s (direction %s)", price.Price, threshold, direction),
		}
	}

	return TriggerResult{
		Triggered:  true,
		CanExecute: true,
		Price:      price,
		Reason:     fmt.Sprintf("price %s crossed threshold %s (direction %s)", price.Price, threshold, direction),
	}
}

func confidencePctString(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).Round(4).String()
}
