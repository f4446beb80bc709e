package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshforge/internal/domain"
)

// MemoryLedgerStore is an in-process LedgerStore. It backs the memory store
// driver and the test suites; atomicity comes from a single mutex instead of
// the unique index the Postgres store relies on.
type MemoryLedgerStore struct {
	mu             sync.Mutex
	defaultBalance int64
	balances       map[string]*domain.UserBalance
	events         []domain.TokenEvent
	byKey          map[string]int
}

// NewMemoryLedgerStore creates an empty store. Balances are created lazily
// with defaultBalance on first read.
func NewMemoryLedgerStore(defaultBalance int64) *MemoryLedgerStore {
	return &MemoryLedgerStore{
		defaultBalance: defaultBalance,
		balances:       make(map[string]*domain.UserBalance),
		byKey:          make(map[string]int),
	}
}

func (s *MemoryLedgerStore) GetBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.ensureBalance(userID)
	cp := *bal
	return &cp, nil
}

func (s *MemoryLedgerStore) ApplyEvent(ctx context.Context, ev *domain.TokenEvent) (*domain.TokenEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if idx, ok := s.byKey[ev.IdempotencyKey]; ok {
			cp := s.events[idx]
			return &cp, false, nil
		}
	}

	bal := s.ensureBalance(ev.UserID)
	next := bal.Balance + ev.Delta
	if next < 0 {
		return nil, false, domain.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	stored := *ev
	stored.ID = uuid.NewString()
	stored.BalanceAfter = next
	stored.CreatedAt = now

	bal.Balance = next
	bal.UpdatedAt = now
	s.events = append(s.events, stored)
	if stored.IdempotencyKey != "" {
		s.byKey[stored.IdempotencyKey] = len(s.events) - 1
	}
	cp := stored
	return &cp, true, nil
}

func (s *MemoryLedgerStore) FindEvent(ctx context.Context, key string) (*domain.TokenEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := s.events[idx]
	return &cp, nil
}

func (s *MemoryLedgerStore) ListEvents(ctx context.Context, userID string, limit int) ([]domain.TokenEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TokenEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].UserID != userID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ensureBalance must be called with the mutex held.
func (s *MemoryLedgerStore) ensureBalance(userID string) *domain.UserBalance {
	if bal, ok := s.balances[userID]; ok {
		return bal
	}
	now := time.Now().UTC()
	bal := &domain.UserBalance{
		UserID:    userID,
		Balance:   s.defaultBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.balances[userID] = bal
	return bal
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	events map[string][]domain.JobEvent
}

// NewMemoryJobStore creates an empty job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   make(map[string]*domain.Job),
		events: make(map[string][]domain.JobEvent),
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	now := time.Now().UTC()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.jobs[job.ID] = &cp
	*job = cp
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ApplyTransition(ctx context.Context, jobID string, from, to domain.JobStatus, patch domain.TransitionPatch, ev *domain.JobEvent) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != from {
		return nil, domain.ErrStatusConflict
	}
	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	applyPatch(job, patch)
	if ev != nil {
		stored := *ev
		stored.ID = uuid.NewString()
		stored.JobID = jobID
		if stored.At.IsZero() {
			stored.At = now
		}
		s.events[jobID] = append(s.events[jobID], stored)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) UpdateProgress(ctx context.Context, jobID string, progress int, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Progress = progress
	if providerJobID != "" {
		job.ProviderJobID = providerJobID
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryJobStore) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.NextAttemptAt = nextAttemptAt
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryJobStore) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	return job.Attempts, nil
}

func (s *MemoryJobStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobEvent, len(s.events[jobID]))
	copy(out, s.events[jobID])
	return out, nil
}

func applyPatch(job *domain.Job, patch domain.TransitionPatch) {
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProviderJobID != nil {
		job.ProviderJobID = *patch.ProviderJobID
	}
	if patch.Result != nil {
		cp := *patch.Result
		job.Result = &cp
	}
	if patch.ErrorCode != nil {
		job.ErrorCode = *patch.ErrorCode
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
}

var (
	_ domain.LedgerStore = (*MemoryLedgerStore)(nil)
	_ domain.JobStore    = (*MemoryJobStore)(nil)
)
