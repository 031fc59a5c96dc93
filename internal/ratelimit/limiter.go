// Package ratelimit paces request issue across the threads of a load stage.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a shared token bucket. A rate of zero disables limiting.
type Limiter struct {
	limiter *rate.Limiter
	rps     int
}

// New creates a limiter allowing rps requests per second with a burst of rps.
func New(rps int) *Limiter {
	if rps < 0 {
		rps = 0
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		rps:     rps,
	}
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.rps == 0 {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() int { return l.rps }
