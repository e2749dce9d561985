package fees

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowmint-engine/internal/models"
)

// Estimate is a concrete fee and compute-budget recommendation.
type Estimate struct {
	Profile                  models.ExecutionProfile
	PriorityFeeMicroLamports uint64
	ComputeUnits             uint32
	// Confidence in [0,1]; decays with sample age, grows with sample count.
	Confidence float64
}

// SampleSource provides recently observed priority fees from the network.
type SampleSource interface {
	RecentPriorityFees(ctx context.Context) ([]uint64, error)
}

type profileParams struct {
	percentile float64
	multiplier float64
	minFee     uint64
	maxFee     uint64
	cuBuffer   float64
}

var profiles = map[models.ExecutionProfile]profileParams{
	models.ProfileFast:  {percentile: 0.90, multiplier: 1.5, minFee: 10_000, maxFee: 2_000_000, cuBuffer: 1.4},
	models.ProfileAuto:  {percentile: 0.75, multiplier: 1.1, minFee: 5_000, maxFee: 1_000_000, cuBuffer: 1.2},
	models.ProfileCheap: {percentile: 0.50, multiplier: 0.9, minFee: 1_000, maxFee: 500_000, cuBuffer: 1.1},
}

const (
	defaultBaseComputeUnits = 200_000
	defaultSampleTTL        = 30 * time.Second
	// fullConfidenceSamples is the sample count at which the count
	// factor saturates.
	fullConfidenceSamples = 20
)

// Estimator turns a caller-selected profile and recent congestion
// samples into a priority-fee and compute-unit recommendation. A total
// fetch failure yields conservative defaults with low confidence rather
// than an error.
type Estimator struct {
	source           SampleSource
	baseComputeUnits uint32
	sampleTTL        time.Duration
	logger           *zap.Logger
	now              func() time.Time

	mu        sync.Mutex
	samples   []uint64
	fetchedAt time.Time
}

func NewEstimator(source SampleSource, logger *zap.Logger) *Estimator {
	return &Estimator{
		source:           source,
		baseComputeUnits: defaultBaseComputeUnits,
		sampleTTL:        defaultSampleTTL,
		logger:           logger,
		now:              time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate recommends a fee for the given profile. Unknown profiles fall
// back to AUTO.
func (e *Estimator) Estimate(ctx context.Context, profile models.ExecutionProfile) Estimate {
	params, ok := profiles[profile]
	if !ok {
		profile = models.ProfileAuto
		params = profiles[profile]
	}

	samples, age := e.currentSamples(ctx)
	if len(samples) == 0 {
		// Conservative default: the profile's floor, flagged as a guess.
		return Estimate{
			Profile:                  profile,
			PriorityFeeMicroLamports: params.minFee,
			ComputeUnits:             bufferedComputeUnits(e.baseComputeUnits, params.cuBuffer),
			Confidence:               0.1,
		}
	}

	fee := uint64(float64(percentile(samples, params.percentile)) * params.multiplier)
	if fee < params.minFee {
		fee = params.minFee
	}
	if fee > params.maxFee {
		fee = params.maxFee
	}

	return Estimate{
		Profile:                  profile,
		PriorityFeeMicroLamports: fee,
		ComputeUnits:             bufferedComputeUnits(e.baseComputeUnits, params.cuBuffer),
		Confidence:               e.confidence(len(samples), age),
	}
}

// currentSamples serves the cached sample set when it is young enough,
// refreshing from the source otherwise. A failed refresh keeps whatever
// was cached before.
func (e *Estimator) currentSamples(ctx context.Context) ([]uint64, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	age := e.now().Sub(e.fetchedAt)
	if len(e.samples) > 0 && age <= e.sampleTTL {
		return e.samples, age
	}

	fresh, err := e.source.RecentPriorityFees(ctx)
	if err != nil {
		e.logger.Warn("priority fee fetch failed, keeping cached samples",
			zap.Int("cached", len(e.samples)), zap.Error(err))
		return e.samples, age
	}
	e.samples = fresh
	e.fetchedAt = e.now()
	return e.samples, 0
}

func (e *Estimator) confidence(sampleCount int, age time.Duration) float64 {
	countFactor := math.Min(1, float64(sampleCount)/fullConfidenceSamples)
	ageFactor := 1 - math.Min(1, age.Seconds()/(2*e.sampleTTL.Seconds()))
	return countFactor * ageFactor
}

func bufferedComputeUnits(base uint32, buffer float64) uint32 {
	return uint32(float64(base) * buffer)
}

// percentile returns the pth (0..1) value of the sample set.
func percentile(samples []uint64, p float64) uint64 {
	sorted := make([]uint64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
