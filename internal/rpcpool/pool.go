package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowmint-engine/internal/telemetry"
)

// defaultFailureRateThreshold marks an endpoint unhealthy once 50% of
// its trailing window failed.
const defaultFailureRateThreshold = 0.5

// ErrNoEndpoints is returned when the pool is configured empty.
var ErrNoEndpoints = errors.New("rpcpool: no endpoints configured")

// Operation is one network call executed against a chosen endpoint URL.
type Operation func(ctx context.Context, endpointURL string) error

// EndpointConfig declares one upstream at startup.
type EndpointConfig struct {
	URL    string
	Weight int
}

// Pool executes operations against a weighted set of upstream endpoints
// with health-aware failover. Every outcome feeds the chosen endpoint's
// rolling counters, which is the loop that lets a flaky upstream age out
// of selection and recover once its failure rate drops.
type Pool struct {
	endpoints []*Endpoint
	threshold float64
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// ParseConfigs turns "url" or "url@weight" entries into endpoint
// configs. A missing or malformed weight defaults to 1.
func ParseConfigs(entries []string) []EndpointConfig {
	cfgs := make([]EndpointConfig, 0, len(entries))
	for _, entry := range entries {
		url, weight := entry, 1
		if at := strings.LastIndex(entry, "@"); at > 0 {
			if w, err := strconv.Atoi(entry[at+1:]); err == nil && w > 0 {
				url, weight = entry[:at], w
			}
		}
		cfgs = append(cfgs, EndpointConfig{URL: url, Weight: weight})
	}
	return cfgs
}

func New(cfgs []EndpointConfig, logger *zap.Logger) *Pool {
	endpoints := make([]*Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		endpoints = append(endpoints, newEndpoint(c.URL, c.Weight, defaultSampleWindow))
	}
	return &Pool{
		endpoints: endpoints,
		threshold: defaultFailureRateThreshold,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteWithFailover runs op against a healthy endpoint, failing over to
// a different one on error, up to maxAttempts. Already-tried endpoints
// are excluded while alternatives remain. On exhaustion the last error
// is surfaced.
func (p *Pool) ExecuteWithFailover(ctx context.Context, maxAttempts int, op Operation) error {
	if len(p.endpoints) == 0 {
		return ErrNoEndpoints
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	tried := make(map[string]bool, maxAttempts)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		endpoint := p.pick(tried)
		if endpoint == nil {
			// Everything was tried; allow revisits rather than give up early.
			tried = make(map[string]bool, maxAttempts)
			endpoint = p.pick(tried)
			if endpoint == nil {
				break
			}
		}
		tried[endpoint.URL] = true

		start := time.Now()
		err := op(ctx, endpoint.URL)
		latency := time.Since(start)
		if err == nil {
			endpoint.RecordSuccess(latency)
			telemetry.RPCCalls.WithLabelValues(endpoint.URL, "success").Inc()
			return nil
		}

		endpoint.RecordFailure()
		telemetry.RPCCalls.WithLabelValues(endpoint.URL, "failure").Inc()
		telemetry.RPCFailovers.Inc()
		p.logger.Warn("rpc call failed, failing over",
			zap.String("endpoint", endpoint.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoEndpoints
	}
	return fmt.Errorf("all endpoints exhausted after %d attempts: %w", maxAttempts, lastErr)
}

// pick selects a healthy, not-yet-tried endpoint, biased by weight.
// Falls back to unhealthy candidates only when no healthy one remains,
// so a fully-degraded pool still makes progress.
func (p *Pool) pick(exclude map[string]bool) *Endpoint {
	var healthy, unhealthy []*Endpoint
	for _, e := range p.endpoints {
		if exclude[e.URL] {
			continue
		}
		if e.Healthy(p.threshold) {
			healthy = append(healthy, e)
		} else {
			unhealthy = append(unhealthy, e)
		}
	}

	if chosen := p.weightedChoice(healthy); chosen != nil {
		return chosen
	}
	return p.weightedChoice(unhealthy)
}

func (p *Pool) weightedChoice(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, e := range candidates {
		total += e.Weight
	}
	p.mu.Lock()
	n := p.rng.Intn(total)
	p.mu.Unlock()
	for _, e := range candidates {
		n -= e.Weight
		if n < 0 {
			return e
		}
	}
	return candidates[len(candidates)-1]
}

// Statuses returns a snapshot of every endpoint for the health API.
func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, Status{
			URL:          e.URL,
			Weight:       e.Weight,
			Healthy:      e.Healthy(p.threshold),
			FailureRate:  e.FailureRate(),
			AvgLatencyMs: e.AvgLatency().Milliseconds(),
		})
	}
	return out
}
