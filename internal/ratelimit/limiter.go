// Package ratelimit implements fixed-window admission control per
// (scope, key) over a pluggable counting backend: an in-process map for
// single-instance deployments or a shared Redis counter for multi-instance.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Counter is the counting backend contract. Incr increments the window
// counter for key, creating it with the window's TTL on first use, and
// returns the count after increment plus the time left in the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// ConsumeRequest describes one admission check.
type ConsumeRequest struct {
	Scope  string
	Key    string
	Max    int64
	Window time.Duration
}

// Result reports the admission decision.
type Result struct {
	OK         bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter enforces fixed-window limits. On backend error the policy is
// fail-open by default: treat the request as allowed and log loudly. The
// failClosed switch trades availability for strict enforcement.
type Limiter struct {
	counter    Counter
	failClosed bool
	logger     zerolog.Logger
}

// New creates a Limiter over counter.
func New(counter Counter, failClosed bool, logger zerolog.Logger) *Limiter {
	return &Limiter{counter: counter, failClosed: failClosed, logger: logger}
}

// Consume records one request against the (scope, key) window and reports
// whether it is admitted.
func (l *Limiter) Consume(ctx context.Context, req ConsumeRequest) (*Result, error) {
	count, left, err := l.counter.Incr(ctx, req.Scope+":"+req.Key, req.Window)
	if err != nil {
		if l.failClosed {
			l.logger.Error().Err(err).Str("scope", req.Scope).Msg("ratelimit: backend error, failing closed")
			return &Result{OK: false, RetryAfter: req.Window}, nil
		}
		l.logger.Error().Err(err).Str("scope", req.Scope).Msg("ratelimit: backend error, failing open")
		return &Result{OK: true, Remaining: 0}, nil
	}
	if count > req.Max {
		return &Result{OK: false, Remaining: 0, RetryAfter: left}, nil
	}
	return &Result{OK: true, Remaining: req.Max - count}, nil
}
