package joblock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowmint-engine/internal/store"
)

func newTestService(t *testing.T, cfg Config) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, cfg, zap.NewNop()), mem
}

func TestAcquireAtMostOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})
	scheduledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const workers = 32
	var wg sync.WaitGroup
	acquired := make(chan Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			acquired <- res
		}()
	}
	wg.Wait()
	close(acquired)

	winners := 0
	for res := range acquired {
		if res.Acquired {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one goroutine must win the window")
}

func TestAcquireSameWindowAfterCompletion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{Window: time.Minute})
	scheduledAt := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.True(t, res.Acquired)
	require.NoError(t, svc.Release(ctx, res.Lock.ID, "receipt-1", nil))

	// A tick 20 seconds later lands in the same window and must be a no-op.
	again, err := svc.Acquire(ctx, "intent-1", scheduledAt.Add(20*time.Second))
	require.NoError(t, err)
	require.False(t, again.Acquired)
	require.Equal(t, ReasonAlreadyDone, again.Reason)

	// The next window is independent.
	next, err := svc.Acquire(ctx, "intent-1", scheduledAt.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, next.Acquired)
}

func TestRetryCeiling(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{RetryLimit: 3})
	scheduledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
		require.NoError(t, err)
		require.True(t, res.Acquired, "attempt %d should acquire", attempt)
		require.Equal(t, attempt, res.Lock.Attempts)
		require.NoError(t, svc.Release(ctx, res.Lock.ID, "", errors.New("rpc timeout")))
	}

	res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.False(t, res.Acquired)
	require.Equal(t, ReasonRetryLimit, res.Reason)
}

func TestAcquireWhileRunningIsRefused(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})
	scheduledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	other, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.False(t, other.Acquired)
	require.Equal(t, ReasonAlreadyRunning, other.Reason)
}

func TestResetStuckJobs(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	svc, _ := newTestService(t, Config{MaxRunningTime: 10 * time.Minute, RetryLimit: 3})
	svc.WithClock(func() time.Time { return current })

	res, err := svc.Acquire(ctx, "intent-1", base)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	// Not yet past the ceiling.
	current = base.Add(5 * time.Minute)
	reset, err := svc.ResetStuckJobs(ctx)
	require.NoError(t, err)
	require.Zero(t, reset)

	// A crashed process: the lock never released and the ceiling passed.
	current = base.Add(11 * time.Minute)
	reset, err = svc.ResetStuckJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	// The forced-failed window is retryable again.
	again, err := svc.Acquire(ctx, "intent-1", base)
	require.NoError(t, err)
	require.True(t, again.Acquired)
	require.Equal(t, 2, again.Lock.Attempts)
}

func TestSkipCountsAsDone(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})
	scheduledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.True(t, res.Acquired)
	require.NoError(t, svc.Skip(ctx, res.Lock.ID, "price has not reached threshold"))

	again, err := svc.Acquire(ctx, "intent-1", scheduledAt)
	require.NoError(t, err)
	require.False(t, again.Acquired)
	require.Equal(t, ReasonAlreadyDone, again.Reason)
}
