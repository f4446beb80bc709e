package domain

import (
	"context"
	"time"
)

// LedgerStore persists user balances and the append-only token event log.
// ApplyEvent is the single mutation point: it must be atomic with respect to
// the balance read-modify-write and the idempotency-key uniqueness check, so
// that two callers racing on the same key have exactly one winner.
type LedgerStore interface {
	// GetBalance returns the user's balance, creating the record with the
	// store's default balance on first read.
	GetBalance(ctx context.Context, userID string) (*UserBalance, error)

	// ApplyEvent inserts ev and applies its delta to the user's balance in one
	// atomic step. If an event with ev.IdempotencyKey already exists, the
	// stored event is returned with applied=false and nothing is mutated.
	// A negative delta that would drive the balance below zero returns
	// ErrInsufficientCredits and writes no event.
	ApplyEvent(ctx context.Context, ev *TokenEvent) (stored *TokenEvent, applied bool, err error)

	// FindEvent returns the event recorded under key, or ErrNotFound.
	FindEvent(ctx context.Context, key string) (*TokenEvent, error)

	// ListEvents returns the user's events, newest first.
	ListEvents(ctx context.Context, userID string, limit int) ([]TokenEvent, error)
}

// TransitionPatch carries the optional field updates applied together with a
// status transition.
type TransitionPatch struct {
	Progress      *int
	ProviderJobID *string
	Result        *JobResult
	ErrorCode     *string
	ErrorMessage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobStore persists job records and their append-only event log.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Job, error)

	// ApplyTransition updates the job from status `from` to `to`, applies the
	// patch and appends ev atomically. If the stored status is no longer
	// `from` the update is rejected with ErrStatusConflict and the job is
	// left unchanged.
	ApplyTransition(ctx context.Context, jobID string, from, to JobStatus, patch TransitionPatch, ev *JobEvent) (*Job, error)

	// UpdateProgress records provider-reported progress without a status
	// change. Terminal jobs are left untouched.
	UpdateProgress(ctx context.Context, jobID string, progress int, providerJobID string) error

	// Reschedule records the next eligible poll time.
	Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time) error

	// IncrementAttempts bumps the job's failed-attempt counter and returns
	// the new count. It is driver-independent: the advancer calls it on every
	// provider failure regardless of how the job was delivered.
	IncrementAttempts(ctx context.Context, jobID string) (int, error)

	// ListEligible returns non-terminal jobs whose next attempt is due,
	// ordered by next_attempt_at.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// ListEvents returns the job's audit events, oldest first.
	ListEvents(ctx context.Context, jobID string) ([]JobEvent, error)
}
