package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between calls leaving one adapter. It
// holds a single token, so concurrent callers are released one interval apart.
type Limiter struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// NewLimiter creates a limiter with the given minimum interval. A zero
// interval disables waiting.
func NewLimiter(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Interval converts a published budget of requests per period to a minimum interval.
func Interval(requests int, per time.Duration) time.Duration {
	if requests <= 0 {
		return 0
	}
	return per / time.Duration(requests)
}

// Wait blocks until the caller may issue a request. It returns an error when
// ctx is done first or its deadline comes before the caller's turn.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// MinInterval returns the configured minimum interval.
func (l *Limiter) MinInterval() time.Duration {
	return l.interval
}
