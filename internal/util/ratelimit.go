package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between calls to a throttled provider.
// The first call proceeds immediately; later calls block until the interval
// since the previous one has elapsed.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewPacer creates a Pacer with the given minimum interval. A zero interval
// never blocks.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Wait blocks until the next call is allowed or the context is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Interval returns the configured minimum spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
