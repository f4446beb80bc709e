package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
)

func newTestLedger(t *testing.T, defaultBalance int64) (*Ledger, *repo.MemoryLedgerStore) {
	t.Helper()
	store := repo.NewMemoryLedgerStore(defaultBalance)
	return New(store, zerolog.Nop(), "test"), store
}

func TestReserveDeductsOnce(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 100)

	first, err := lgr.Reserve(ctx, "user-1", "job-1", 10, domain.ReserveKey("job-1"), nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !first.OK || !first.Applied {
		t.Fatalf("first reserve = %+v, want OK and Applied", first)
	}
	if first.Balance != 90 {
		t.Fatalf("balance = %d, want 90", first.Balance)
	}

	// Repeating the same key must not charge again.
	for i := 0; i < 5; i++ {
		res, err := lgr.Reserve(ctx, "user-1", "job-1", 10, domain.ReserveKey("job-1"), nil)
		if err != nil {
			t.Fatalf("repeat reserve %d: %v", i, err)
		}
		if !res.OK || res.Applied {
			t.Fatalf("repeat reserve %d = %+v, want OK and not Applied", i, res)
		}
		if res.Balance != 90 {
			t.Fatalf("repeat reserve %d balance = %d, want 90", i, res.Balance)
		}
	}

	bal, err := lgr.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 90 {
		t.Fatalf("final balance = %d, want 90", bal)
	}
}

func TestReserveInsufficientCreditsWritesNoEvent(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 5)

	res, err := lgr.Reserve(ctx, "user-1", "job-1", 10, domain.ReserveKey("job-1"), nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.OK {
		t.Fatalf("reserve = %+v, want rejected", res)
	}
	if res.Balance != 5 {
		t.Fatalf("balance = %d, want unchanged 5", res.Balance)
	}

	events, err := lgr.Events(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0 after rejected reserve", len(events))
	}

	// The key stays unused, so a later retry with enough credit succeeds.
	if _, err := lgr.TopUp(ctx, "user-1", 20, "pay-1", nil); err != nil {
		t.Fatalf("topup: %v", err)
	}
	res, err = lgr.Reserve(ctx, "user-1", "job-1", 10, domain.ReserveKey("job-1"), nil)
	if err != nil {
		t.Fatalf("retry reserve: %v", err)
	}
	if !res.OK || !res.Applied || res.Balance != 15 {
		t.Fatalf("retry reserve = %+v, want applied with balance 15", res)
	}
}

func TestFinalizeKeepsSpendAndRepeats(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 100)

	if _, err := lgr.Reserve(ctx, "user-1", "job-1", 10, domain.ReserveKey("job-1"), nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := lgr.Finalize(ctx, "user-1", "job-1", 10, domain.FinalizeKey("job-1"), nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !first.Applied || first.Balance != 90 {
		t.Fatalf("finalize = %+v, want applied with balance 90", first)
	}

	second, err := lgr.Finalize(ctx, "user-1", "job-1", 10, domain.FinalizeKey("job-1"), nil)
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if second.Applied || second.Balance != 90 {
		t.Fatalf("repeat finalize = %+v, want deduplicated with balance 90", second)
	}
}

func TestReleaseRefundsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 50)

	if _, err := lgr.Reserve(ctx, "user-1", "job-1", 15, domain.ReserveKey("job-1"), nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	bal, _ := lgr.Balance(ctx, "user-1")
	if bal != 35 {
		t.Fatalf("balance after reserve = %d, want 35", bal)
	}

	for i := 0; i < 2; i++ {
		res, err := lgr.Release(ctx, "user-1", "job-1", 15, domain.ReleaseKey("job-1"), nil)
		if err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if res.Balance != 50 {
			t.Fatalf("release %d balance = %d, want 50", i, res.Balance)
		}
		if i == 0 && !res.Applied {
			t.Fatalf("first release not applied")
		}
		if i == 1 && res.Applied {
			t.Fatalf("second release applied twice")
		}
	}
}

func TestFinalizeAndReleaseAreMutuallyExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("finalize wins", func(t *testing.T) {
		lgr, _ := newTestLedger(t, 100)
		if _, err := lgr.Reserve(ctx, "u", "j", 10, domain.ReserveKey("j"), nil); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := lgr.Finalize(ctx, "u", "j", 10, domain.FinalizeKey("j"), nil); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		res, err := lgr.Release(ctx, "u", "j", 10, domain.ReleaseKey("j"), nil)
		if err != nil {
			t.Fatalf("release after finalize: %v", err)
		}
		if res.Applied {
			t.Fatalf("release applied after finalize")
		}
		if res.Balance != 90 {
			t.Fatalf("balance = %d, want 90 (spend kept)", res.Balance)
		}
	})

	t.Run("release wins", func(t *testing.T) {
		lgr, _ := newTestLedger(t, 100)
		if _, err := lgr.Reserve(ctx, "u", "j", 10, domain.ReserveKey("j"), nil); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := lgr.Release(ctx, "u", "j", 10, domain.ReleaseKey("j"), nil); err != nil {
			t.Fatalf("release: %v", err)
		}
		res, err := lgr.Finalize(ctx, "u", "j", 10, domain.FinalizeKey("j"), nil)
		if err != nil {
			t.Fatalf("finalize after release: %v", err)
		}
		if res.Applied {
			t.Fatalf("finalize applied after release")
		}
		if res.Balance != 100 {
			t.Fatalf("balance = %d, want 100 (refund kept)", res.Balance)
		}
	})
}

func TestFinalizeOrReleaseDispatchesOnStatus(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		status  domain.JobStatus
		balance int64
	}{
		{"completed finalizes", domain.JobStatusCompleted, 90},
		{"failed releases", domain.JobStatusFailed, 100},
		{"cancelled releases", domain.JobStatusCancelled, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lgr, _ := newTestLedger(t, 100)
			if _, err := lgr.Reserve(ctx, "u", "j", 10, domain.ReserveKey("j"), nil); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			job := &domain.Job{ID: "j", UserID: "u", Status: tc.status, ReservedTokens: 10}
			res, err := lgr.FinalizeOrRelease(ctx, job)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Balance != tc.balance {
				t.Fatalf("balance = %d, want %d", res.Balance, tc.balance)
			}
			// Repeat reconciliation after a simulated crash.
			res, err = lgr.FinalizeOrRelease(ctx, job)
			if err != nil {
				t.Fatalf("repeat reconcile: %v", err)
			}
			if res.Applied || res.Balance != tc.balance {
				t.Fatalf("repeat reconcile = %+v, want deduplicated at %d", res, tc.balance)
			}
		})
	}

	t.Run("non-terminal rejected", func(t *testing.T) {
		lgr, _ := newTestLedger(t, 100)
		job := &domain.Job{ID: "j", UserID: "u", Status: domain.JobStatusQueued, ReservedTokens: 10}
		if _, err := lgr.FinalizeOrRelease(ctx, job); err == nil {
			t.Fatalf("expected error for non-terminal job")
		}
	})
}

func TestTopUpIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 0)

	for i := 0; i < 3; i++ {
		res, err := lgr.TopUp(ctx, "user-1", 200, "payment-abc", nil)
		if err != nil {
			t.Fatalf("topup %d: %v", i, err)
		}
		if res.Balance != 200 {
			t.Fatalf("topup %d balance = %d, want 200", i, res.Balance)
		}
	}
}

func TestAdjustRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	lgr, _ := newTestLedger(t, 10)

	res, err := lgr.Adjust(ctx, "user-1", -25, "adj-1", nil)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if res.OK {
		t.Fatalf("adjust = %+v, want rejected for overdraw", res)
	}
	if res.Balance != 10 {
		t.Fatalf("balance = %d, want unchanged 10", res.Balance)
	}
}
