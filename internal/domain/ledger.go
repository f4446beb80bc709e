package domain

import (
	"fmt"
	"time"
)

// EventType enumerates ledger event kinds.
type EventType string

const (
	EventTypeReserve  EventType = "reserve"
	EventTypeFinalize EventType = "finalize"
	EventTypeRelease  EventType = "release"
	EventTypeTopup    EventType = "topup"
	EventTypeAdjust   EventType = "adjust"
)

// EventReason classifies why a ledger event exists.
type EventReason string

const (
	EventReasonSpend  EventReason = "spend"
	EventReasonRefund EventReason = "refund"
	EventReasonTopup  EventReason = "topup"
	EventReasonAdjust EventReason = "adjust"
)

// UserBalance is the credit balance record for one user. It is created lazily
// with the configured default balance and mutated only by the token ledger.
type UserBalance struct {
	UserID    string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenEvent is an immutable ledger record. At most one event exists
// system-wide for a given non-empty idempotency key; that uniqueness is the
// correctness anchor for exactly-once billing.
type TokenEvent struct {
	ID             string
	UserID         string
	JobID          string
	Reason         EventReason
	Type           EventType
	Amount         int64
	Delta          int64
	BalanceAfter   int64
	Source         string
	IdempotencyKey string
	Meta           map[string]string
	CreatedAt      time.Time
}

// Idempotency keys encode the logical operation, so the three outcomes of one
// reservation are distinguishable and mutually exclusive by construction.

// ReserveKey returns the idempotency key for reserving a job's credits.
func ReserveKey(jobID string) string { return fmt.Sprintf("job:%s:reserve", jobID) }

// FinalizeKey returns the idempotency key for finalizing a job's reservation.
func FinalizeKey(jobID string) string { return fmt.Sprintf("job:%s:finalize", jobID) }

// ReleaseKey returns the idempotency key for releasing a job's reservation.
func ReleaseKey(jobID string) string { return fmt.Sprintf("job:%s:release", jobID) }
