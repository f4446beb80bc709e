// Package ledger implements the idempotent token ledger: reserve, finalize,
// release, topup and adjust primitives over a LedgerStore. Every operation is
// deduplicated by idempotency key, so retries after crashes or timeouts are
// safe to repeat.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"meshforge/internal/domain"
)

// Ledger is the only component allowed to mutate a user's credit balance.
type Ledger struct {
	store  domain.LedgerStore
	logger zerolog.Logger
	source string
}

// New creates a Ledger. source is recorded on every event it writes.
func New(store domain.LedgerStore, logger zerolog.Logger, source string) *Ledger {
	if source == "" {
		source = "meshforge"
	}
	return &Ledger{store: store, logger: logger, source: source}
}

// Result reports the outcome of a ledger operation.
type Result struct {
	// OK is false only when a reserve was rejected for insufficient credits.
	OK bool
	// Applied is false when the idempotency key had already been recorded and
	// the stored outcome was returned instead.
	Applied bool
	// Balance is the user's balance after the event (or the unchanged balance
	// for a rejected or deduplicated call).
	Balance int64
}

// Reserve provisionally deducts amount from the user's balance. A rejected
// reservation (insufficient credits) writes no event; a duplicate key returns
// the originally recorded balance without mutating anything.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount int64, key string, meta map[string]string) (*Result, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reserve: negative amount %d", amount)
	}
	ev := &domain.TokenEvent{
		UserID:         userID,
		JobID:          jobID,
		Reason:         domain.EventReasonSpend,
		Type:           domain.EventTypeReserve,
		Amount:         amount,
		Delta:          -amount,
		Source:         l.source,
		IdempotencyKey: key,
		Meta:           meta,
	}
	stored, applied, err := l.apply(ctx, ev)
	if errors.Is(err, domain.ErrInsufficientCredits) {
		bal, balErr := l.store.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, fmt.Errorf("reserve: read balance after rejection: %w", balErr)
		}
		return &Result{OK: false, Applied: false, Balance: bal.Balance}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Applied: applied, Balance: stored.BalanceAfter}, nil
}

// Finalize converts a reservation into a permanent spend. The balance was
// already decremented at reserve time, so this only records a zero-delta
// marker event. It is a no-op if the reservation was already released.
func (l *Ledger) Finalize(ctx context.Context, userID, jobID string, amount int64, key string, meta map[string]string) (*Result, error) {
	if jobID != "" {
		if _, err := l.store.FindEvent(ctx, domain.ReleaseKey(jobID)); err == nil {
			l.logger.Warn().Str("job_id", jobID).Msg("ledger: finalize skipped, reservation already released")
			bal, balErr := l.store.GetBalance(ctx, userID)
			if balErr != nil {
				return nil, balErr
			}
			return &Result{OK: true, Applied: false, Balance: bal.Balance}, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("finalize: check release event: %w", err)
		}
	}
	ev := &domain.TokenEvent{
		UserID:         userID,
		JobID:          jobID,
		Reason:         domain.EventReasonSpend,
		Type:           domain.EventTypeFinalize,
		Amount:         amount,
		Delta:          0,
		Source:         l.source,
		IdempotencyKey: key,
		Meta:           meta,
	}
	stored, applied, err := l.apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Applied: applied, Balance: stored.BalanceAfter}, nil
}

// Release refunds a previously reserved amount exactly once. It is a no-op if
// the reservation was already finalized; finalize and release are mutually
// exclusive terminal outcomes of one reservation.
func (l *Ledger) Release(ctx context.Context, userID, jobID string, amount int64, key string, meta map[string]string) (*Result, error) {
	if amount < 0 {
		return nil, fmt.Errorf("release: negative amount %d", amount)
	}
	if jobID != "" {
		if _, err := l.store.FindEvent(ctx, domain.FinalizeKey(jobID)); err == nil {
			l.logger.Warn().Str("job_id", jobID).Msg("ledger: release skipped, reservation already finalized")
			bal, balErr := l.store.GetBalance(ctx, userID)
			if balErr != nil {
				return nil, balErr
			}
			return &Result{OK: true, Applied: false, Balance: bal.Balance}, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("release: check finalize event: %w", err)
		}
	}
	ev := &domain.TokenEvent{
		UserID:         userID,
		JobID:          jobID,
		Reason:         domain.EventReasonRefund,
		Type:           domain.EventTypeRelease,
		Amount:         amount,
		Delta:          amount,
		Source:         l.source,
		IdempotencyKey: key,
		Meta:           meta,
	}
	stored, applied, err := l.apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Applied: applied, Balance: stored.BalanceAfter}, nil
}

// TopUp unconditionally credits the user, outside the reserve triad
// (purchased credit packs, administrative grants).
func (l *Ledger) TopUp(ctx context.Context, userID string, amount int64, key string, meta map[string]string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("topup: non-positive amount %d", amount)
	}
	ev := &domain.TokenEvent{
		UserID:         userID,
		Reason:         domain.EventReasonTopup,
		Type:           domain.EventTypeTopup,
		Amount:         amount,
		Delta:          amount,
		Source:         l.source,
		IdempotencyKey: key,
		Meta:           meta,
	}
	stored, applied, err := l.apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Applied: applied, Balance: stored.BalanceAfter}, nil
}

// Adjust applies a signed administrative correction. Negative adjustments are
// rejected when the balance cannot cover them.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta int64, key string, meta map[string]string) (*Result, error) {
	amount := delta
	if amount < 0 {
		amount = -amount
	}
	ev := &domain.TokenEvent{
		UserID:         userID,
		Reason:         domain.EventReasonAdjust,
		Type:           domain.EventTypeAdjust,
		Amount:         amount,
		Delta:          delta,
		Source:         l.source,
		IdempotencyKey: key,
		Meta:           meta,
	}
	stored, applied, err := l.apply(ctx, ev)
	if errors.Is(err, domain.ErrInsufficientCredits) {
		bal, balErr := l.store.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &Result{OK: false, Applied: false, Balance: bal.Balance}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Applied: applied, Balance: stored.BalanceAfter}, nil
}

// FinalizeOrRelease settles a terminal job's reservation: finalize on
// completed, release on failed or cancelled. Both legs are idempotent, so it
// is safe to call again after a crash between the status transition and the
// ledger write.
func (l *Ledger) FinalizeOrRelease(ctx context.Context, job *domain.Job) (*Result, error) {
	meta := map[string]string{"mode": string(job.Mode), "provider": job.Provider}
	switch job.Status {
	case domain.JobStatusCompleted:
		return l.Finalize(ctx, job.UserID, job.ID, job.ReservedTokens, domain.FinalizeKey(job.ID), meta)
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		return l.Release(ctx, job.UserID, job.ID, job.ReservedTokens, domain.ReleaseKey(job.ID), meta)
	default:
		return nil, fmt.Errorf("reconcile job %s: non-terminal status %s", job.ID, job.Status)
	}
}

// Balance returns the user's current balance, creating the record lazily.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// Events returns the user's token events, newest first.
func (l *Ledger) Events(ctx context.Context, userID string, limit int) ([]domain.TokenEvent, error) {
	return l.store.ListEvents(ctx, userID, limit)
}

// apply writes ev through the store with a bounded retry. ApplyEvent is
// idempotent by key, so repeating it after a timeout cannot double-charge:
// the retry either wins the insert or observes the winner.
func (l *Ledger) apply(ctx context.Context, ev *domain.TokenEvent) (*domain.TokenEvent, bool, error) {
	var (
		stored  *domain.TokenEvent
		applied bool
	)
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		stored, applied, err = l.store.ApplyEvent(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return err
		}
		l.logger.Warn().Err(err).Str("key", ev.IdempotencyKey).Msg("ledger: store apply failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		l.logger.Debug().
			Str("key", ev.IdempotencyKey).
			Str("user_id", ev.UserID).
			Msg("ledger: duplicate idempotency key, returning recorded outcome")
	}
	return stored, applied, nil
}
