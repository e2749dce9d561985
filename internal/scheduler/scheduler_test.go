package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowmint-engine/internal/fees"
	"flowmint-engine/internal/joblock"
	"flowmint-engine/internal/models"
	"flowmint-engine/internal/notify"
	"flowmint-engine/internal/oracle"
	"flowmint-engine/internal/receipts"
	"flowmint-engine/internal/rpcpool"
	"flowmint-engine/internal/store"
	"flowmint-engine/internal/swap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubOracle struct {
	price models.OraclePrice
}

func (s *stubOracle) GetLatestPrice(_ context.Context, feedID string) (models.OraclePrice, error) {
	p := s.price
	p.FeedID = feedID
	return p, nil
}

type stubFeeSource struct{}

func (stubFeeSource) RecentPriorityFees(_ context.Context) ([]uint64, error) {
	return []uint64{10_000, 20_000, 30_000}, nil
}

// swapBackend fakes the quote/execute provider. failures counts down:
// while positive, /swap returns an error response. onSwap, when set,
// runs while the submission is in flight, before the response is sent.
type swapBackend struct {
	failures int
	swaps    int
	onSwap   func()
}

func (b *swapBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		amount := r.URL.Query().Get("amount")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"inAmount":       amount,
			"outAmount":      amount, // 1:1 for easy assertions
			"priceImpactPct": "0.05",
		})
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		if b.failures > 0 {
			b.failures--
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"code": -32000, "message": "blockhash not found"},
			})
			return
		}
		if b.onSwap != nil {
			b.onSwap()
		}
		b.swaps++
		var req struct {
			Amount string `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"signature":       uuid.New().String(),
			"outAmountActual": req.Amount,
		})
	})
	return mux
}

type fixture struct {
	sched   *Scheduler
	mem     *store.Memory
	backend *swapBackend
	clock   *time.Time
}

func newFixture(t *testing.T, oraclePrice models.OraclePrice, retryLimit int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	mem := store.NewMemory()

	backend := &swapBackend{}
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }

	pool := rpcpool.New([]rpcpool.EndpointConfig{{URL: "primary", Weight: 1}}, logger)
	locks := joblock.New(mem, joblock.Config{Window: time.Minute, RetryLimit: retryLimit}, logger).WithClock(tick)
	gate := oracle.NewGate(&stubOracle{price: oraclePrice}, oracle.NewPriceCache(time.Nanosecond), logger).WithClock(tick)
	estimator := fees.NewEstimator(stubFeeSource{}, logger)
	receiptSvc := receipts.New(mem, nil, logger)
	swapClient := swap.NewClient(server.URL, pool, logger)
	notifier := notify.New("", logger)

	sched := New(mem, locks, gate, estimator, receiptSvc, swapClient, notifier, logger, Options{WorkerCount: 2}).
		WithClock(tick)
	return &fixture{sched: sched, mem: mem, backend: backend, clock: clock}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func freshPrice(f *fixture, price string) models.OraclePrice {
	return models.OraclePrice{
		Price:       dec(price),
		Confidence:  dec("0.01"),
		PublishTime: *f.clock,
	}
}

func seedDCA(t *testing.T, f *fixture, total, slice string, interval time.Duration) models.Intent {
	t.Helper()
	intent := models.Intent{
		ID:              uuid.New().String(),
		UserKey:         "user-a",
		Kind:            models.KindDCA,
		TokenFrom:       "USDC",
		TokenTo:         "SOL",
		TotalAmount:     dec(total),
		RemainingAmount: dec(total),
		SlippageBps:     50,
		IntervalSeconds: int64(interval / time.Second),
		AmountPerSlice:  dec(slice),
		NextExecutionAt: *f.clock,
		Status:          models.IntentStatusActive,
	}
	require.NoError(t, f.mem.CreateIntent(context.Background(), &intent))
	return intent
}

func TestDCARunsToCompletion(t *testing.T) {
	ctx := context.Background()
	stale := models.OraclePrice{Price: dec("1"), Confidence: dec("0.001")}
	f := newFixture(t, stale, 3)
	intent := seedDCA(t, f, "1000", "100", time.Minute)

	for i := 0; i < 10; i++ {
		f.sched.Tick(ctx)
		f.advance(time.Minute)
	}

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusCompleted, final.Status)
	require.Equal(t, 10, final.ExecutionCount)
	require.True(t, final.RemainingAmount.IsZero(), "remaining %s", final.RemainingAmount)
	require.Equal(t, 10, f.backend.swaps)

	rows, err := f.mem.ListReceiptsByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for _, r := range rows {
		require.Equal(t, models.ReceiptStatusConfirmed, r.Status)
	}
}

func TestDCAFinalSliceIsRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 3)
	intent := seedDCA(t, f, "250", "100", time.Minute)

	for i := 0; i < 3; i++ {
		f.sched.Tick(ctx)
		f.advance(time.Minute)
	}

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusCompleted, final.Status)
	require.Equal(t, 3, final.ExecutionCount)

	rows, err := f.mem.ListReceiptsByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	amounts := map[string]int{}
	for _, r := range rows {
		amounts[r.Request.Amount.String()]++
	}
	require.Equal(t, 2, amounts["100"])
	require.Equal(t, 1, amounts["50"])
}

func TestTickIsIdempotentWithinWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 3)
	intent := seedDCA(t, f, "1000", "100", time.Hour)

	f.sched.Tick(ctx)
	require.Equal(t, 1, f.backend.swaps)

	// A second scheduler process with a stale view re-dispatches the same
	// window; the lock must refuse it.
	executed, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	staleView := executed
	staleView.NextExecutionAt = intent.NextExecutionAt
	staleView.ExecutionCount = 0
	staleView.RemainingAmount = intent.RemainingAmount
	require.NoError(t, f.mem.UpdateIntent(ctx, &staleView))

	f.advance(10 * time.Second)
	f.sched.Tick(ctx)

	require.Equal(t, 1, f.backend.swaps)
	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, 0, final.ExecutionCount, "second window attempt must be refused by the lock")
}

func TestExecutionFailureEscalatesAtRetryCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 2)
	intent := seedDCA(t, f, "1000", "100", time.Hour)
	f.backend.failures = 1 << 20 // never succeed

	f.sched.Tick(ctx)
	mid, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusActive, mid.Status, "first failure keeps the intent retryable")

	f.advance(time.Second)
	f.sched.Tick(ctx)

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	require.Zero(t, f.backend.swaps)
}

func TestStopLossExecutesOnTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{}, 3)
	price := freshPrice(f, "95")
	f.sched.gate = oracle.NewGate(&stubOracle{price: price}, oracle.NewPriceCache(time.Nanosecond), zap.NewNop()).
		WithClock(func() time.Time { return *f.clock })

	intent := models.Intent{
		ID:              uuid.New().String(),
		UserKey:         "user-a",
		Kind:            models.KindStopLoss,
		TokenFrom:       "SOL",
		TokenTo:         "USDC",
		TotalAmount:     dec("10"),
		RemainingAmount: dec("10"),
		SlippageBps:     100,
		PriceThreshold:  dec("100"),
		PriceDirection:  models.DirectionBelow,
		PriceFeedID:     "feed-sol",
		Status:          models.IntentStatusActive,
	}
	require.NoError(t, f.mem.CreateIntent(ctx, &intent))

	f.sched.Tick(ctx)

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusCompleted, final.Status)
	require.True(t, final.RemainingAmount.IsZero())
	require.Equal(t, 1, f.backend.swaps)
}

func TestStopLossNotTriggeredSkipsWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{}, 3)
	price := freshPrice(f, "120")
	f.sched.gate = oracle.NewGate(&stubOracle{price: price}, oracle.NewPriceCache(time.Nanosecond), zap.NewNop()).
		WithClock(func() time.Time { return *f.clock })

	intent := models.Intent{
		ID:              uuid.New().String(),
		UserKey:         "user-a",
		Kind:            models.KindStopLoss,
		TokenFrom:       "SOL",
		TokenTo:         "USDC",
		TotalAmount:     dec("10"),
		RemainingAmount: dec("10"),
		SlippageBps:     100,
		PriceThreshold:  dec("100"),
		PriceDirection:  models.DirectionBelow,
		PriceFeedID:     "feed-sol",
		Status:          models.IntentStatusActive,
	}
	require.NoError(t, f.mem.CreateIntent(ctx, &intent))

	f.sched.Tick(ctx)

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusActive, final.Status)
	require.Zero(t, f.backend.swaps)

	rows, err := f.mem.ListReceiptsByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCancelDuringSubmissionStaysCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 3)
	intent := seedDCA(t, f, "1000", "100", time.Minute)

	// The cancellation lands while the swap request is in flight, past
	// the last pre-submission check. The execution completes, but the
	// cancelled status must survive the post-success write-back.
	f.backend.onSwap = func() {
		cur, _ := f.mem.GetIntent(ctx, intent.ID)
		cur.Status = models.IntentStatusCancelled
		_ = f.mem.UpdateIntent(ctx, &cur)
	}

	f.sched.Tick(ctx)
	require.Equal(t, 1, f.backend.swaps)

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusCancelled, final.Status)
	require.Equal(t, 1, final.ExecutionCount, "executed slice bookkeeping must still land")
	require.Equal(t, "900", final.RemainingAmount.String())

	f.backend.onSwap = nil
	f.advance(time.Minute)
	f.sched.Tick(ctx)
	require.Equal(t, 1, f.backend.swaps, "cancelled intent must never execute again")
}

func TestZeroIntervalDCADoesNotSpin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 3)
	intent := seedDCA(t, f, "1000", "100", 0)

	f.sched.Tick(ctx)
	require.Equal(t, 1, f.backend.swaps)

	f.advance(10 * time.Second)
	f.sched.Tick(ctx)
	require.Equal(t, 1, f.backend.swaps, "the completed window lock refuses a re-dispatch")

	final, err := f.mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, final.ExecutionCount)
	require.Equal(t, models.IntentStatusActive, final.Status)
}

func TestCancelledIntentIsNeverExecuted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OraclePrice{Price: dec("1")}, 3)
	intent := seedDCA(t, f, "1000", "100", time.Minute)

	intent.Status = models.IntentStatusCancelled
	require.NoError(t, f.mem.UpdateIntent(ctx, &intent))

	f.sched.Tick(ctx)

	require.Zero(t, f.backend.swaps)
	rows, err := f.mem.ListReceiptsByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}
