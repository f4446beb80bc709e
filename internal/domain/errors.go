package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrStatusConflict      = errors.New("status changed concurrently")
	ErrDuplicateOperation  = errors.New("duplicate operation")
	ErrProviderFailure     = errors.New("provider failure")
)

// RateLimitedError is a denied admission carrying how long the caller should
// wait before retrying. It matches ErrRateLimited under errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
