package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// decorrelatedPFactor controls how quickly the tanh term saturates.
	decorrelatedPFactor = 4.0

	// decorrelatedScalingFactor maps the formula so that the median first delay
	// lands on the configured median.
	decorrelatedScalingFactor = 1 / 1.4

	maxDelayFloat = float64(math.MaxInt64 - 1000)
)

// decorrelatedJitter is the "decorrelated jitter V2" schedule: delays grow exponentially
// but each one is drawn from a smoothed random walk, so callers hitting the same failure
// spread out instead of retrying in lockstep.
//
// A Backoff is stateful; build a new one per retry loop.
type decorrelatedJitter struct {
	median    time.Duration
	fastFirst bool
	random    func() float64
	calls     int
	prev      float64
}

// NewDecorrelatedJitterBackoff returns an unbounded go-retry Backoff producing the
// decorrelated jitter schedule around median. With fastFirst the first delay is zero.
// random must return values in [0, 1); nil means math/rand/v2.
//
// Wrap it with retry.WithMaxRetries to bound the number of attempts.
func NewDecorrelatedJitterBackoff(median time.Duration, fastFirst bool, random func() float64) retry.Backoff {
	if random == nil {
		random = rand.Float64
	}
	return &decorrelatedJitter{
		median:    median,
		fastFirst: fastFirst,
		random:    random,
	}
}

// Next implements retry.Backoff.
func (b *decorrelatedJitter) Next() (time.Duration, bool) {
	i := b.calls
	b.calls++

	if b.fastFirst && i == 0 {
		return 0, false
	}

	t := float64(i) + b.random()
	next := math.Pow(2, t) * math.Tanh(math.Sqrt(decorrelatedPFactor*t))
	delay := (next - b.prev) * decorrelatedScalingFactor * float64(b.median)
	b.prev = next

	return time.Duration(math.Min(delay, maxDelayFloat)), false
}

// DecorrelatedJitterDelays returns the first n delays of a fresh decorrelated jitter schedule.
func DecorrelatedJitterDelays(median time.Duration, n int, fastFirst bool, random func() float64) []time.Duration {
	b := NewDecorrelatedJitterBackoff(median, fastFirst, random)
	delays := make([]time.Duration, 0, max(n, 0))
	for range n {
		d, _ := b.Next()
		delays = append(delays, d)
	}
	return delays
}
