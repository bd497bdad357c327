// Package ratelimit guards high-frequency external calls. Callers drop work
// that is not allowed; nothing is queued.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a call may go ahead right now.
type Limiter interface {
	Allow(ctx context.Context) bool
}

// WindowLimiter admits at most one call per interval and drops the rest.
type WindowLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewWindowLimiter constructs a limiter. A nil now uses the wall clock.
func NewWindowLimiter(interval time.Duration, now func() time.Time) *WindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &WindowLimiter{limiter: rate.NewLimiter(rate.Every(interval), 1), now: now}
}

func (l *WindowLimiter) Allow(_ context.Context) bool {
	return l.limiter.AllowN(l.now(), 1)
}
