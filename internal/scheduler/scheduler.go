package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flowmint-engine/internal/fees"
	"flowmint-engine/internal/joblock"
	"flowmint-engine/internal/models"
	"flowmint-engine/internal/notify"
	"flowmint-engine/internal/oracle"
	"flowmint-engine/internal/receipts"
	"flowmint-engine/internal/store"
	"flowmint-engine/internal/swap"
	"flowmint-engine/internal/telemetry"
)

const (
	defaultTickInterval  = 10 * time.Second
	recoveryTickInterval = time.Minute
)

// Scheduler drives the execution loop: it discovers due intents on a
// ticker, fans them out to a bounded worker pool, and walks each one
// through the gated execution sequence. One intent's failure never
// aborts the rest of the batch.
type Scheduler struct {
	intents  store.IntentStore
	locks    *joblock.Service
	gate     *oracle.Gate
	fees     *fees.Estimator
	receipts *receipts.Service
	swaps    *swap.Client
	notifier *notify.Notifier
	logger   *zap.Logger

	tickInterval time.Duration
	workerCount  int
	now          func() time.Time
}

// Options tunes the loop. Zero values fall back to defaults.
type Options struct {
	TickInterval time.Duration
	WorkerCount  int
}

func New(
	intents store.IntentStore,
	locks *joblock.Service,
	gate *oracle.Gate,
	feeEstimator *fees.Estimator,
	receiptSvc *receipts.Service,
	swaps *swap.Client,
	notifier *notify.Notifier,
	logger *zap.Logger,
	opts Options,
) *Scheduler {
	if opts.TickInterval == 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.WorkerCount == 0 {
		opts.WorkerCount = 8
	}
	return &Scheduler{
		intents:      intents,
		locks:        locks,
		gate:         gate,
		fees:         feeEstimator,
		receipts:     receiptSvc,
		swaps:        swaps,
		notifier:     notifier,
		logger:       logger,
		tickInterval: opts.TickInterval,
		workerCount:  opts.WorkerCount,
		now:          time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs the tick loop and the stuck-lock recovery loop until the
// context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.tickInterval),
		zap.Int("workers", s.workerCount))

	go s.recoveryLoop(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(recoveryTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reset, err := s.locks.ResetStuckJobs(ctx)
			if err != nil {
				s.logger.Error("stuck lock recovery failed", zap.Error(err))
				continue
			}
			if reset > 0 {
				s.logger.Warn("recovered stuck locks", zap.Int("count", reset))
			}
		}
	}
}

// Tick collects everything currently actionable and processes it with
// bounded concurrency. Exposed for tests; Start calls it on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	due, err := s.intents.GetDueDCAIntents(ctx, now)
	if err != nil {
		s.logger.Error("fetch due dca intents failed", zap.Error(err))
		due = nil
	}
	conditional, err := s.intents.GetActiveConditionalIntents(ctx)
	if err != nil {
		s.logger.Error("fetch conditional intents failed", zap.Error(err))
		conditional = nil
	}

	batch := append(due, conditional...)
	telemetry.DueIntentsGauge.Set(float64(len(batch)))
	if len(batch) == 0 {
		return
	}

	work := make(chan models.Intent)
	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for intent := range work {
				s.processIntent(ctx, intent, now)
			}
		}()
	}
	for _, intent := range batch {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case work <- intent:
		}
	}
	close(work)
	wg.Wait()
}

// processIntent runs the full gated sequence for one intent. All skip
// paths are recorded on the lock row so the window stays auditable.
func (s *Scheduler) processIntent(ctx context.Context, intent models.Intent, now time.Time) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	started := s.now()
	defer func() {
		telemetry.ExecutionDuration.Observe(s.now().Sub(started).Seconds())
	}()

	// Reload so a cancellation issued since the batch was collected is
	// honored before any lock is taken.
	fresh, err := s.intents.GetIntent(ctx, intent.ID)
	if err != nil {
		s.logger.Error("reload intent failed",
			zap.String("intent_id", intent.ID), zap.Error(err))
		return
	}
	if fresh.IsTerminal() {
		return
	}
	intent = fresh

	scheduledAt := now
	if intent.Kind == models.KindDCA {
		scheduledAt = intent.NextExecutionAt
	}

	res, err := s.locks.Acquire(ctx, intent.ID, scheduledAt)
	if err != nil {
		s.logger.Error("lock acquire failed",
			zap.String("intent_id", intent.ID), zap.Error(err))
		return
	}
	if !res.Acquired {
		telemetry.LockRefusals.WithLabelValues(res.Reason).Inc()
		if res.Reason == joblock.ReasonRetryLimit {
			s.escalateFailure(ctx, intent, fmt.Sprintf("retry limit of %d reached for window %s", s.locks.RetryLimit(), res.Lock.JobKey))
		}
		return
	}

	switch intent.Kind {
	case models.KindDCA:
		s.runDCA(ctx, intent, res.Lock)
	case models.KindStopLoss:
		s.runStopLoss(ctx, intent, res.Lock)
	default:
		s.logger.Error("unknown intent kind",
			zap.String("intent_id", intent.ID), zap.String("kind", string(intent.Kind)))
		_ = s.locks.Skip(ctx, res.Lock.ID, fmt.Sprintf("unknown intent kind %q", intent.Kind))
	}
}

func (s *Scheduler) runDCA(ctx context.Context, intent models.Intent, lock models.JobLock) {
	amount := intent.SliceAmount()
	if amount.IsZero() {
		// Nothing left; mark the intent done and retire the window.
		_ = s.locks.Skip(ctx, lock.ID, "no remaining amount")
		s.completeIntent(ctx, intent)
		return
	}
	s.execute(ctx, intent, lock, amount, models.ProfileAuto)
}

func (s *Scheduler) runStopLoss(ctx context.Context, intent models.Intent, lock models.JobLock) {
	trigger := s.gate.CheckStopLossTrigger(ctx, intent.PriceFeedID, intent.PriceThreshold, intent.PriceDirection)
	if !trigger.CanExecute {
		s.logger.Debug("stop-loss not executable",
			zap.String("intent_id", intent.ID), zap.String("reason", trigger.Reason))
		_ = s.locks.Skip(ctx, lock.ID, trigger.Reason)
		return
	}
	// Stop-loss sells bid aggressively; a missed fill defeats the order.
	s.execute(ctx, intent, lock, intent.RemainingAmount, models.ProfileFast)
}

// execute is the shared tail of the sequence: quote, pending receipt,
// final cancel check, submission, receipt finalization, lock release,
// and the intent state transition.
func (s *Scheduler) execute(ctx context.Context, intent models.Intent, lock models.JobLock, amount decimal.Decimal, profile models.ExecutionProfile) {
	est := s.fees.Estimate(ctx, profile)

	quote, err := s.swaps.GetQuote(ctx, intent.TokenFrom, intent.TokenTo, amount, intent.SlippageBps)
	if err != nil {
		s.finishFailed(ctx, intent, lock, fmt.Errorf("quote: %w", err))
		return
	}

	receipt, err := s.receipts.CreatePending(ctx, intent.ID, intent.UserKey, models.ReceiptRequest{
		TokenIn:     intent.TokenFrom,
		TokenOut:    intent.TokenTo,
		Amount:      amount,
		SlippageBps: intent.SlippageBps,
		Mode:        string(intent.Kind),
		Profile:     profile,
	}, &models.ReceiptQuote{
		OutAmount:      quote.OutAmount,
		PriceImpactPct: quote.PriceImpactPct,
		ExpiresAt:      quote.ExpiresAt,
	})
	if err != nil {
		s.finishFailed(ctx, intent, lock, fmt.Errorf("create receipt: %w", err))
		return
	}

	// Last cancellation point. Past this line the submission proceeds
	// even if the user cancels.
	latest, err := s.intents.GetIntent(ctx, intent.ID)
	if err == nil && latest.IsTerminal() {
		_, _ = s.receipts.Finalize(ctx, receipt.ID, nil, fmt.Errorf("intent %s before submission", latest.Status))
		_ = s.locks.Skip(ctx, lock.ID, fmt.Sprintf("intent %s before submission", latest.Status))
		return
	}

	outcome := s.swaps.Execute(ctx, intent.UserKey, quote, intent.SlippageBps, swap.ExecutionBudget{
		PriorityFeeMicroLamports: est.PriorityFeeMicroLamports,
		ComputeUnits:             est.ComputeUnits,
	}, func(attempt models.ExecutionAttempt) {
		if err := s.receipts.RecordAttempt(ctx, receipt.ID, attempt); err != nil {
			s.logger.Warn("record attempt failed",
				zap.String("receipt_id", receipt.ID), zap.Error(err))
		}
	})

	if !outcome.Ok() {
		_, _ = s.receipts.Finalize(ctx, receipt.ID, nil, outcome.Err)
		s.finishFailed(ctx, intent, lock, outcome.Err)
		return
	}

	if _, err := s.receipts.Finalize(ctx, receipt.ID, &models.ReceiptResult{
		OutAmountActual: outcome.OutAmountActual,
		Signature:       outcome.Signature,
		BalanceDeltaIn:  outcome.BalanceDeltaIn,
		BalanceDeltaOut: outcome.BalanceDeltaOut,
	}, nil); err != nil {
		s.logger.Error("finalize receipt failed",
			zap.String("receipt_id", receipt.ID), zap.Error(err))
	}
	if _, err := s.receipts.AppendLeg(ctx, receipt.ID, intent.TokenFrom, intent.TokenTo, amount, outcome.OutAmountActual, outcome.Signature); err != nil {
		s.logger.Error("append attestation leg failed",
			zap.String("receipt_id", receipt.ID), zap.Error(err))
	}

	if err := s.locks.Release(ctx, lock.ID, receipt.ID, nil); err != nil {
		s.logger.Error("lock release failed",
			zap.String("job_key", lock.JobKey), zap.Error(err))
	}
	telemetry.ExecutionsTotal.WithLabelValues(string(intent.Kind), "success").Inc()

	s.advanceIntent(ctx, intent, amount)
	s.notifier.Notify(ctx, intent.UserKey, notify.EventExecutionDone, map[string]string{
		"intent_id":  intent.ID,
		"receipt_id": receipt.ID,
		"signature":  outcome.Signature,
	})
}

// advanceIntent applies the post-success state transition.
func (s *Scheduler) advanceIntent(ctx context.Context, intent models.Intent, executed decimal.Decimal) {
	now := s.now()
	intent.ExecutionCount++
	intent.LastExecutionAt = &now
	intent.RemainingAmount = intent.RemainingAmount.Sub(executed)

	switch intent.Kind {
	case models.KindStopLoss:
		// A triggered stop-loss sells its full remaining amount once.
		intent.RemainingAmount = decimal.Zero
		intent.Status = models.IntentStatusCompleted
	case models.KindDCA:
		interval := time.Duration(intent.IntervalSeconds) * time.Second
		if intent.RemainingAmount.IsZero() || intent.RemainingAmount.IsNegative() {
			intent.Status = models.IntentStatusCompleted
		} else if interval > 0 {
			next := intent.NextExecutionAt.Add(interval)
			// Catch up past missed windows instead of firing them back to back.
			for !next.After(now) {
				next = next.Add(interval)
			}
			intent.NextExecutionAt = next
		}
	}

	if err := s.intents.UpdateIntent(ctx, &intent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The intent reached a terminal state while the swap was in
			// flight. That status wins; only the bookkeeping lands.
			if perr := s.intents.RecordIntentProgress(ctx, intent.ID, intent.RemainingAmount, intent.ExecutionCount, intent.LastExecutionAt); perr != nil {
				s.logger.Error("record intent progress failed",
					zap.String("intent_id", intent.ID), zap.Error(perr))
			}
			return
		}
		s.logger.Error("intent state transition failed",
			zap.String("intent_id", intent.ID), zap.Error(err))
		return
	}
	if intent.Status == models.IntentStatusCompleted {
		s.notifier.Notify(ctx, intent.UserKey, notify.EventIntentCompleted, map[string]string{
			"intent_id": intent.ID,
		})
	}
}

func (s *Scheduler) completeIntent(ctx context.Context, intent models.Intent) {
	intent.Status = models.IntentStatusCompleted
	if err := s.intents.UpdateIntent(ctx, &intent); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Error("complete intent failed",
				zap.String("intent_id", intent.ID), zap.Error(err))
		}
		return
	}
	s.notifier.Notify(ctx, intent.UserKey, notify.EventIntentCompleted, map[string]string{
		"intent_id": intent.ID,
	})
}

// finishFailed records a failed attempt on the lock and escalates the
// intent once the window's retry budget is gone.
func (s *Scheduler) finishFailed(ctx context.Context, intent models.Intent, lock models.JobLock, execErr error) {
	s.logger.Warn("execution failed",
		zap.String("intent_id", intent.ID),
		zap.String("job_key", lock.JobKey),
		zap.Int("attempt", lock.Attempts),
		zap.Error(execErr))
	telemetry.ExecutionsTotal.WithLabelValues(string(intent.Kind), "failure").Inc()

	if err := s.locks.Release(ctx, lock.ID, "", execErr); err != nil {
		s.logger.Error("lock release failed",
			zap.String("job_key", lock.JobKey), zap.Error(err))
	}
	if lock.Attempts >= s.locks.RetryLimit() {
		s.escalateFailure(ctx, intent, fmt.Sprintf("execution failed %d times: %v", lock.Attempts, execErr))
	}
}

// escalateFailure retires the intent after its retry budget is spent.
func (s *Scheduler) escalateFailure(ctx context.Context, intent models.Intent, reason string) {
	if intent.IsTerminal() {
		return
	}
	intent.Status = models.IntentStatusFailed
	intent.FailureReason = &reason
	if err := s.intents.UpdateIntent(ctx, &intent); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Error("escalate intent failure failed",
				zap.String("intent_id", intent.ID), zap.Error(err))
		}
		return
	}
	s.logger.Warn("intent failed permanently",
		zap.String("intent_id", intent.ID), zap.String("reason", reason))
	s.notifier.Notify(ctx, intent.UserKey, notify.EventIntentFailed, map[string]string{
		"intent_id": intent.ID,
		"reason":    reason,
	})
}
