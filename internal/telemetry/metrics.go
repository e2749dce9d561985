package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_total",
		Help: "Intent executions by terminal outcome",
	}, []string{"kind", "outcome"})
	GateSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_gate_skips_total",
		Help: "Ticks skipped by the oracle gate, by reason",
	}, []string{"reason"})
	LockRefusals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_lock_refusals_total",
		Help: "Job lock acquisitions refused, by reason",
	}, []string{"reason"})
	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rpc_calls_total",
		Help: "RPC calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	RPCFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_rpc_failovers_total",
		Help: "Failover transitions between endpoints",
	})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_notifications_dropped_total",
		Help: "Notifications that failed to deliver",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_rate_limit_rejects_total",
		Help: "Intent submissions rejected by the rate limiter",
	})
	DueIntentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_due_intents",
		Help: "Intents found due on the last tick",
	})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_inflight_executions",
		Help: "Intent executions currently in flight",
	})
	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_execution_seconds",
		Help:    "Wall time of one gated execution sequence",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	QuoteDeltaPct = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_quote_delta_pct",
		Help:    "Quoted vs actual output delta in percent",
		Buckets: prometheus.LinearBuckets(-2.5, 0.5, 11),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExecutionsTotal,
			GateSkips,
			LockRefusals,
			RPCCalls,
			RPCFailovers,
			NotificationsDropped,
			RateLimitRejects,
			DueIntentsGauge,
			InFlightGauge,
			ExecutionDuration,
			QuoteDeltaPct,
		)
	})
	return promhttp.Handler()
}
