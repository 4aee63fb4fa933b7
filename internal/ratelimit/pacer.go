package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces publishes out over the day so the account does not
// burst. It complements the daily counters: counters cap volume,
// the pacer caps rhythm.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one publish per minInterval. A non-positive interval
// disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	if minInterval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the next publish slot or the context ends.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
