package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
)

// stubAdvancer moves each job to a scripted status instead of talking to a
// provider.
type stubAdvancer struct {
	store    *repo.MemoryJobStore
	next     map[string]domain.JobStatus
	progress map[string]int
	failWith error
	advanced []string
}

func (a *stubAdvancer) Advance(ctx context.Context, jobID string) (*domain.Job, error) {
	a.advanced = append(a.advanced, jobID)
	if a.failWith != nil {
		return nil, a.failWith
	}
	job, err := a.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if next, ok := a.next[jobID]; ok {
		job.Status = next
	}
	if p, ok := a.progress[jobID]; ok {
		job.Progress = p
	}
	return job, nil
}

func seedTickJob(t *testing.T, store *repo.MemoryJobStore, id string, eligibleAt time.Time) {
	t.Helper()
	err := store.Create(context.Background(), &domain.Job{
		ID:            id,
		UserID:        "user-1",
		Status:        domain.JobStatusQueued,
		NextAttemptAt: eligibleAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestTickAdvancesEligibleJobs(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	past := time.Now().UTC().Add(-time.Second)
	seedTickJob(t, store, "job-1", past)
	seedTickJob(t, store, "job-2", past)
	seedTickJob(t, store, "job-future", time.Now().UTC().Add(time.Hour))

	adv := &stubAdvancer{
		store: store,
		next: map[string]domain.JobStatus{
			"job-1": domain.JobStatusProviderPending,
			"job-2": domain.JobStatusProviderPending,
		},
	}
	driver := NewTickDriver(store, adv, DefaultBackoff(), 10, zerolog.Nop())

	n, err := driver.Tick(ctx, 10)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("advanced = %d, want 2", n)
	}
	for _, id := range adv.advanced {
		if id == "job-future" {
			t.Fatalf("advanced job-future before its next_attempt_at")
		}
	}
}

func TestTickReschedulesNonTerminalJobs(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	seedTickJob(t, store, "job-1", time.Now().UTC().Add(-time.Second))

	adv := &stubAdvancer{
		store: store,
		next:  map[string]domain.JobStatus{"job-1": domain.JobStatusProviderPending},
	}
	driver := NewTickDriver(store, adv, DefaultBackoff(), 10, zerolog.Nop())

	if _, err := driver.Tick(ctx, 10); err != nil {
		t.Fatalf("tick: %v", err)
	}

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0: rescheduling is not a failed attempt", job.Attempts)
	}
	if !job.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("next_attempt_at = %s, want in the future", job.NextAttemptAt)
	}

	// The job is no longer eligible, so an immediate second tick advances
	// nothing.
	n, err := driver.Tick(ctx, 10)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("second tick advanced = %d, want 0", n)
	}
}

func TestTickReschedulesOnAdvanceError(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	seedTickJob(t, store, "job-1", time.Now().UTC().Add(-time.Second))

	adv := &stubAdvancer{store: store, failWith: errors.New("provider down")}
	driver := NewTickDriver(store, adv, DefaultBackoff(), 10, zerolog.Nop())

	n, err := driver.Tick(ctx, 10)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("advanced = %d, want 0 on advance error", n)
	}
	job, _ := store.Get(ctx, "job-1")
	if !job.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("failed job not rescheduled for a later attempt")
	}
}

func TestTickHonorsBatchLimit(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	past := time.Now().UTC().Add(-time.Second)
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		seedTickJob(t, store, id, past)
	}

	adv := &stubAdvancer{
		store: store,
		next: map[string]domain.JobStatus{
			"job-1": domain.JobStatusProviderPending,
			"job-2": domain.JobStatusProviderPending,
			"job-3": domain.JobStatusProviderPending,
		},
	}
	driver := NewTickDriver(store, adv, DefaultBackoff(), 2, zerolog.Nop())

	n, err := driver.Tick(ctx, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("advanced = %d, want batch limit 2", n)
	}
}
