package rpcpool

import (
	"sync"
	"time"
)

// defaultSampleWindow is how many recent call outcomes an endpoint keeps.
const defaultSampleWindow = 20

type sample struct {
	ok      bool
	latency time.Duration
}

// Endpoint is one candidate network entry point. Its health counters are
// process-local and rebuilt from scratch on restart; they are never
// persisted or shared.
type Endpoint struct {
	URL    string
	Weight int

	mu      sync.Mutex
	window  int
	samples []sample
	next    int
	filled  int
}

func newEndpoint(url string, weight int, window int) *Endpoint {
	if weight <= 0 {
		weight = 1
	}
	if window <= 0 {
		window = defaultSampleWindow
	}
	return &Endpoint{
		URL:     url,
		Weight:  weight,
		window:  window,
		samples: make([]sample, window),
	}
}

// RecordSuccess adds a successful call with its observed latency to the
// rolling window.
func (e *Endpoint) RecordSuccess(latency time.Duration) {
	e.record(sample{ok: true, latency: latency})
}

// RecordFailure adds a failed call to the rolling window.
func (e *Endpoint) RecordFailure() {
	e.record(sample{ok: false})
}

func (e *Endpoint) record(s sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[e.next] = s
	e.next = (e.next + 1) % e.window
	if e.filled < e.window {
		e.filled++
	}
}

// FailureRate returns the fraction of failures over the trailing window.
func (e *Endpoint) FailureRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < e.filled; i++ {
		if !e.samples[i].ok {
			failures++
		}
	}
	return float64(failures) / float64(e.filled)
}

// Healthy reports whether the failure rate is below the threshold. An
// endpoint with no history is healthy by default.
func (e *Endpoint) Healthy(threshold float64) bool {
	e.mu.Lock()
	filled := e.filled
	e.mu.Unlock()
	if filled == 0 {
		return true
	}
	return e.FailureRate() < threshold
}

// AvgLatency returns the mean latency of recent successful calls.
func (e *Endpoint) AvgLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total time.Duration
	n := 0
	for i := 0; i < e.filled; i++ {
		if e.samples[i].ok {
			total += e.samples[i].latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Status is a point-in-time view of an endpoint for the health API.
type Status struct {
	URL          string  `json:"url"`
	Weight       int     `json:"weight"`
	Healthy      bool    `json:"healthy"`
	FailureRate  float64 `json:"failure_rate"`
	AvgLatencyMs int64   `json:"avg_latency_ms"`
}
