// Package service wires the rate limiter, token ledger, state machine and
// queue adapter into the operation surface consumed by the HTTP layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/jobs"
	"meshforge/internal/ledger"
	"meshforge/internal/queue"
	"meshforge/internal/ratelimit"
)

// ScopeCreateJob is the rate-limit scope for job admission.
const ScopeCreateJob = "jobs:create"

// Options configures the orchestrator.
type Options struct {
	// Costs maps generation mode to its credit cost.
	Costs map[domain.JobMode]int64
	// RateLimitMax / RateLimitWindow bound job admissions per user.
	RateLimitMax    int64
	RateLimitWindow time.Duration
	// DefaultProvider names the provider recorded on jobs that do not ask
	// for one explicitly.
	DefaultProvider string
	// TickBatch caps how many jobs a status read advances under the tick
	// driver.
	TickBatch int
}

// Orchestrator sequences admission, billing, lifecycle and dispatch.
type Orchestrator struct {
	limiter *ratelimit.Limiter
	ledger  *ledger.Ledger
	store   domain.JobStore
	machine *jobs.Machine
	adapter queue.Adapter
	tick    *queue.TickDriver
	opts    Options
	logger  zerolog.Logger
}

// New creates an Orchestrator. tick may be nil when the distributed driver
// is active; status reads then rely on the worker pool for progress.
func New(limiter *ratelimit.Limiter, lgr *ledger.Ledger, store domain.JobStore, machine *jobs.Machine, adapter queue.Adapter, tick *queue.TickDriver, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.TickBatch <= 0 {
		opts.TickBatch = 5
	}
	return &Orchestrator{
		limiter: limiter,
		ledger:  lgr,
		store:   store,
		machine: machine,
		adapter: adapter,
		tick:    tick,
		opts:    opts,
		logger:  logger,
	}
}

// AdmitRequest consults the rate limiter for (scope, key).
func (o *Orchestrator) AdmitRequest(ctx context.Context, scope, key string, max int64, window time.Duration) (*ratelimit.Result, error) {
	return o.limiter.Consume(ctx, ratelimit.ConsumeRequest{Scope: scope, Key: key, Max: max, Window: window})
}

// ReserveCredits reserves amount against the user's balance under key.
func (o *Orchestrator) ReserveCredits(ctx context.Context, userID string, amount int64, key string) (*ledger.Result, error) {
	return o.ledger.Reserve(ctx, userID, "", amount, key, nil)
}

// CreateJobSpec describes an admission request.
type CreateJobSpec struct {
	UserID     string
	Mode       domain.JobMode
	Prompt     string
	SourceType domain.SourceType
	SourceURL  string
	Provider   string
	Locale     string
}

// CreateJob runs the full admission path: rate limit, reserve credits,
// persist the job in queued status and hand it to the queue adapter.
func (o *Orchestrator) CreateJob(ctx context.Context, spec CreateJobSpec) (*domain.Job, error) {
	cost, ok := o.opts.Costs[spec.Mode]
	if !ok {
		return nil, fmt.Errorf("create job: unsupported mode %q", spec.Mode)
	}
	if spec.SourceType == domain.SourceTypeImage && spec.SourceURL == "" {
		return nil, fmt.Errorf("create job: image source requires source_url")
	}

	admitted, err := o.limiter.Consume(ctx, ratelimit.ConsumeRequest{
		Scope:  ScopeCreateJob,
		Key:    spec.UserID,
		Max:    o.opts.RateLimitMax,
		Window: o.opts.RateLimitWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: admission: %w", err)
	}
	if !admitted.OK {
		return nil, fmt.Errorf("create job: %w", &domain.RateLimitedError{RetryAfter: admitted.RetryAfter})
	}

	jobID := uuid.NewString()
	reserved, err := o.ledger.Reserve(ctx, spec.UserID, jobID, cost, domain.ReserveKey(jobID), map[string]string{
		"mode": string(spec.Mode),
	})
	if err != nil {
		return nil, fmt.Errorf("create job: reserve credits: %w", err)
	}
	if !reserved.OK {
		return nil, fmt.Errorf("create job: balance %d below cost %d: %w", reserved.Balance, cost, domain.ErrInsufficientCredits)
	}

	provider := spec.Provider
	if provider == "" {
		provider = o.opts.DefaultProvider
	}
	job := &domain.Job{
		ID:             jobID,
		UserID:         spec.UserID,
		Status:         domain.JobStatusQueued,
		Mode:           spec.Mode,
		Provider:       provider,
		Prompt:         spec.Prompt,
		SourceType:     spec.SourceType,
		SourceURL:      spec.SourceURL,
		Locale:         spec.Locale,
		ReservedTokens: cost,
		NextAttemptAt:  time.Now().UTC(),
	}
	if err := o.store.Create(ctx, job); err != nil {
		// The reservation exists but the job does not; release it so the
		// user is not charged for work that was never admitted.
		if _, relErr := o.ledger.Release(ctx, spec.UserID, jobID, cost, domain.ReleaseKey(jobID), nil); relErr != nil {
			o.logger.Error().Err(relErr).Str("job_id", jobID).Msg("service: failed to release reservation after create failure")
		}
		return nil, fmt.Errorf("create job: persist: %w", err)
	}
	if err := o.adapter.Enqueue(ctx, job); err != nil {
		// Job row exists, so the tick path can still pick it up later.
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("service: enqueue failed, job remains eligible for tick pickup")
	}
	o.logger.Info().
		Str("job_id", jobID).
		Str("user_id", spec.UserID).
		Str("mode", string(spec.Mode)).
		Int64("cost", cost).
		Msg("service: job admitted")
	return job, nil
}

// GetJobStatus returns the job. Under the tick driver a status read also
// makes progress: it advances a small batch of eligible jobs first. That
// blurs query/command separation deliberately; it is a simplification kept
// for single-instance deployments, not a pattern to extend.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	if o.tick != nil {
		if _, err := o.tick.Tick(ctx, o.opts.TickBatch); err != nil {
			o.logger.Error().Err(err).Msg("service: tick on status read failed")
		}
	}
	return o.store.Get(ctx, jobID)
}

// CancelJob cancels the job and releases its reservation. Cancelling an
// already-terminal job is a reported no-op, not an error.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, actor string) (*domain.Job, bool, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.IsTerminal() {
		return job, false, nil
	}
	if actor == "" {
		actor = "user"
	}
	updated, err := o.machine.Transition(ctx, jobID, jobs.TransitionRequest{
		Target:    domain.JobStatusCancelled,
		EventType: "job.cancelled",
		Actor:     actor,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		// Lost the race against a worker; report what actually happened.
		current, getErr := o.store.Get(ctx, jobID)
		if getErr != nil {
			return nil, false, getErr
		}
		if current.Status.IsTerminal() {
			return current, false, nil
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := o.ledger.FinalizeOrRelease(ctx, updated); err != nil {
		return updated, true, fmt.Errorf("cancel job %s: release credits: %w", jobID, err)
	}
	return updated, true, nil
}

// FinalizeOrReleaseCredits settles a terminal job's reservation.
func (o *Orchestrator) FinalizeOrReleaseCredits(ctx context.Context, job *domain.Job) (*ledger.Result, error) {
	return o.ledger.FinalizeOrRelease(ctx, job)
}

// TopUpCredits credits the user's balance under the caller's idempotency key.
func (o *Orchestrator) TopUpCredits(ctx context.Context, userID string, amount int64, key string) (*ledger.Result, error) {
	return o.ledger.TopUp(ctx, userID, amount, key, nil)
}

// GetBalance returns the user's credit balance, created lazily on first read.
func (o *Orchestrator) GetBalance(ctx context.Context, userID string) (int64, error) {
	return o.ledger.Balance(ctx, userID)
}

// ListJobs returns the user's jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	return o.store.ListByUser(ctx, userID, limit)
}

// ListTokenEvents returns the user's ledger events, newest first.
func (o *Orchestrator) ListTokenEvents(ctx context.Context, userID string, limit int) ([]domain.TokenEvent, error) {
	return o.ledger.Events(ctx, userID, limit)
}

// ListJobEvents returns the job's audit events, oldest first.
func (o *Orchestrator) ListJobEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	return o.store.ListEvents(ctx, jobID)
}
