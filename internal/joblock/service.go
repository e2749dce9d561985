package joblock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/store"
)

// Reasons an acquisition attempt can be refused. AlreadyDone is the
// idempotent-success case: callers must treat it as a no-op, not an error.
const (
	ReasonAlreadyRunning = "already_running"
	ReasonAlreadyDone    = "already_done"
	ReasonRetryLimit     = "retry_limit_exceeded"
	ReasonContention     = "lock_contention"
)

// Result reports one acquisition attempt.
type Result struct {
	Acquired bool
	Reason   string
	Lock     models.JobLock
}

// Config tunes the lock service.
type Config struct {
	// Window is the scheduling bucket size; every tick inside the same
	// window maps to the same job key.
	Window time.Duration
	// RetryLimit caps how many times a failed window may be re-acquired.
	RetryLimit int
	// MaxRunningTime is how long a running lock may live before crash
	// recovery forces it to failed.
	MaxRunningTime time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	if c.MaxRunningTime == 0 {
		c.MaxRunningTime = 10 * time.Minute
	}
}

// Service provides cross-process mutual exclusion keyed by
// (intent, time window). All coordination goes through the lock store's
// uniqueness constraint; an in-process mutex would not survive multiple
// scheduler processes.
type Service struct {
	locks  store.JobLockStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(locks store.JobLockStore, cfg Config, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		locks:  locks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Acquire attempts to take the lock for the intent's current scheduling
// window. A store-level uniqueness conflict is mapped to a refusal, never
// propagated as a hard failure.
func (s *Service) Acquire(ctx context.Context, intentID string, scheduledAt time.Time) (Result, error) {
	jobKey := models.JobKeyFor(intentID, scheduledAt, s.cfg.Window)

	lock := models.JobLock{
		ID:          uuid.New().String(),
		JobKey:      jobKey,
		IntentID:    intentID,
		Status:      models.JobStatusRunning,
		Attempts:    1,
		ScheduledAt: scheduledAt,
		StartedAt:   s.now(),
	}

	err := s.locks.InsertIfAbsent(ctx, lock)
	if err == nil {
		return Result{Acquired: true, Lock: lock}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return Result{}, fmt.Errorf("insert lock %s: %w", jobKey, err)
	}

	existing, err := s.locks.FindByKey(ctx, jobKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Row vanished between insert and lookup; treat as contention.
			return Result{Reason: ReasonContention}, nil
		}
		return Result{}, fmt.Errorf("find lock %s: %w", jobKey, err)
	}

	switch existing.Status {
	case models.JobStatusRunning:
		return Result{Reason: ReasonAlreadyRunning, Lock: existing}, nil
	case models.JobStatusCompleted, models.JobStatusSkipped:
		return Result{Reason: ReasonAlreadyDone, Lock: existing}, nil
	case models.JobStatusFailed:
		if existing.Attempts >= s.cfg.RetryLimit {
			return Result{Reason: ReasonRetryLimit, Lock: existing}, nil
		}
		reacquired, err := s.locks.TryReacquire(ctx, jobKey, s.cfg.RetryLimit, s.now())
		if errors.Is(err, store.ErrConflict) {
			return Result{Reason: ReasonContention, Lock: existing}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("reacquire lock %s: %w", jobKey, err)
		}
		return Result{Acquired: true, Lock: reacquired}, nil
	default:
		return Result{}, fmt.Errorf("lock %s in unexpected status %q", jobKey, existing.Status)
	}
}

// Release moves a running lock to completed or failed. It must be called
// exactly once per successful Acquire.
func (s *Service) Release(ctx context.Context, jobID string, result string, execErr error) error {
	if execErr != nil {
		msg := execErr.Error()
		return s.locks.UpdateStatus(ctx, jobID, models.JobStatusFailed, nil, &msg, s.now())
	}
	return s.locks.UpdateStatus(ctx, jobID, models.JobStatusCompleted, &result, nil, s.now())
}

// Skip marks a running lock as skipped. Used when a cancellation or gate
// rejection is observed after acquisition but before submission.
func (s *Service) Skip(ctx context.Context, jobID string, reason string) error {
	return s.locks.UpdateStatus(ctx, jobID, models.JobStatusSkipped, &reason, nil, s.now())
}

// ResetStuckJobs forces running locks older than the configured ceiling
// to failed so a crashed process cannot deadlock its window forever. The
// forced rows stay subject to the ordinary retry limit.
func (s *Service) ResetStuckJobs(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxRunningTime)
	stale, err := s.locks.FindStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale running locks: %w", err)
	}
	reset := 0
	for _, lock := range stale {
		msg := fmt.Sprintf("job exceeded max running time of %s", s.cfg.MaxRunningTime)
		if err := s.locks.UpdateStatus(ctx, lock.ID, models.JobStatusFailed, nil, &msg, s.now()); err != nil {
			s.logger.Warn("failed to reset stuck job",
				zap.String("job_key", lock.JobKey), zap.Error(err))
			continue
		}
		s.logger.Info("reset stuck job",
			zap.String("job_key", lock.JobKey),
			zap.Int("attempts", lock.Attempts),
			zap.Time("started_at", lock.StartedAt))
		reset++
	}
	return reset, nil
}

// RetryLimit exposes the configured attempt ceiling so the scheduler can
// escalate an intent once its window is exhausted.
func (s *Service) RetryLimit() int {
	return s.cfg.RetryLimit
}
