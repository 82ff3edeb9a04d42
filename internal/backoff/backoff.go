// Package backoff provides a bounded geometric retry delay policy,
// independent of any particular I/O call so it can be unit-tested with a
// fake clock.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy describes a bounded geometric backoff: delay n is
// BaseDelay * Multiplier^n capped at MaxDelay, with +-Jitter fraction of
// random spread. MaxAttempts bounds the total number of tries.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
}

// DefaultMultiplier is used when a policy leaves Multiplier unset.
const DefaultMultiplier = 2.0

// Delay returns the wait before attempt n (0-based). rng may be nil for the
// global source.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultMultiplier
	}

	d := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}

	if p.Jitter > 0 {
		f := rand.Float64
		if rng != nil {
			f = rng.Float64
		}
		// spread d uniformly over [d*(1-jitter), d*(1+jitter)]
		d *= 1 + p.Jitter*(2*f()-1)
	}

	if d < 0 {
		d = 0
	}

	return time.Duration(d)
}

// Bounds returns the smallest and largest delay Delay may produce for
// attempt n, useful for asserting total wait times.
func (p Policy) Bounds(attempt int) (time.Duration, time.Duration) {
	noJitter := p
	noJitter.Jitter = 0
	raw := noJitter.Delay(attempt, nil)

	lo := time.Duration(float64(raw) * (1 - p.Jitter))
	hi := time.Duration(float64(raw) * (1 + p.Jitter))

	return lo, hi
}

// Sleep waits for d on the given clock or until ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
