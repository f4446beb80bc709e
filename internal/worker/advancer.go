// Package worker advances jobs through their provider round-trips and
// reconciles credits when they reach a terminal state. The Advancer is the
// single "advance this job" operation shared by the tick driver and the
// distributed runner; the Runner drains the NATS subject with bounded
// concurrency.
package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/jobs"
	"meshforge/internal/ledger"
	"meshforge/internal/providers/mesh"
)

// Advancer advances one job one lifecycle step. Re-advancing a terminal job
// only re-runs the idempotent credit reconciliation, which is what makes
// at-least-once delivery and crash recovery safe.
type Advancer struct {
	store       domain.JobStore
	machine     *jobs.Machine
	ledger      *ledger.Ledger
	provider    mesh.Generator
	maxAttempts int
	logger      zerolog.Logger
}

// NewAdvancer creates an Advancer. maxAttempts bounds failed provider calls
// before the job fails terminally; the count is persisted on the job itself,
// so the cap holds no matter which queue driver delivers the retries.
func NewAdvancer(store domain.JobStore, machine *jobs.Machine, lgr *ledger.Ledger, provider mesh.Generator, maxAttempts int, logger zerolog.Logger) *Advancer {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Advancer{
		store:       store,
		machine:     machine,
		ledger:      lgr,
		provider:    provider,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Advance loads the job and moves it one step forward. Terminal jobs are a
// no-op apart from re-running credit reconciliation.
func (a *Advancer) Advance(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := a.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("advance %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		// A prior attempt may have crashed between the terminal transition
		// and the ledger write; reconciliation is idempotent.
		if _, err := a.ledger.FinalizeOrRelease(ctx, job); err != nil {
			return job, fmt.Errorf("advance %s: reconcile credits: %w", jobID, err)
		}
		return job, nil
	}

	switch job.Status {
	case domain.JobStatusQueued, domain.JobStatusRetrying:
		return a.submit(ctx, job)
	case domain.JobStatusProviderPending, domain.JobStatusProviderProcessing, domain.JobStatusPostprocessing:
		return a.poll(ctx, job)
	default:
		return nil, fmt.Errorf("advance %s: unexpected status %s", jobID, job.Status)
	}
}

// submit opens (or re-opens) the provider task. The job ID doubles as the
// provider request ID, so a resubmit after a crash resolves to the same task.
func (a *Advancer) submit(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	providerJobID, err := a.provider.Submit(ctx, mesh.SubmitRequest{
		RequestID:  job.ID,
		Mode:       string(job.Mode),
		Prompt:     job.Prompt,
		SourceType: string(job.SourceType),
		SourceURL:  job.SourceURL,
		Locale:     job.Locale,
	})
	if err != nil {
		attempts, aErr := a.store.IncrementAttempts(ctx, job.ID)
		if aErr != nil {
			return nil, fmt.Errorf("advance %s: record attempt: %w", job.ID, aErr)
		}
		if attempts >= a.maxAttempts {
			return a.failTerminally(ctx, job, "provider_submit", err.Error())
		}
		a.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempts", attempts).Msg("worker: provider submit failed")
		return job, fmt.Errorf("advance %s: submit: %w", job.ID, err)
	}
	return a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
		Target:        domain.JobStatusProviderPending,
		EventType:     "job.submitted",
		Actor:         "worker",
		ProviderJobID: providerJobID,
	})
}

// poll asks the provider for the task state and maps it onto the lifecycle.
func (a *Advancer) poll(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	result, err := a.provider.Poll(ctx, job.ProviderJobID)
	if err != nil {
		attempts, aErr := a.store.IncrementAttempts(ctx, job.ID)
		if aErr != nil {
			return nil, fmt.Errorf("advance %s: record attempt: %w", job.ID, aErr)
		}
		if attempts >= a.maxAttempts {
			return a.failTerminally(ctx, job, "provider_poll", err.Error())
		}
		a.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempts", attempts).Msg("worker: provider poll failed")
		return a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
			Target:    domain.JobStatusRetrying,
			EventType: "job.retrying",
			Actor:     "worker",
		})
	}

	switch result.State {
	case mesh.StatePending:
		return job, a.recordProgress(ctx, job, result.Progress)
	case mesh.StateProcessing:
		if job.Status == domain.JobStatusProviderPending {
			return a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
				Target:    domain.JobStatusProviderProcessing,
				EventType: "job.processing",
				Actor:     "worker",
				Progress:  &result.Progress,
			})
		}
		return job, a.recordProgress(ctx, job, result.Progress)
	case mesh.StatePostprocessing:
		if job.Status != domain.JobStatusPostprocessing {
			return a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
				Target:    domain.JobStatusPostprocessing,
				EventType: "job.postprocessing",
				Actor:     "worker",
				Progress:  &result.Progress,
			})
		}
		return job, a.recordProgress(ctx, job, result.Progress)
	case mesh.StateSucceeded:
		updated, err := a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
			Target:    domain.JobStatusCompleted,
			EventType: "job.completed",
			Actor:     "worker",
			Result: &domain.JobResult{
				ModelURL:   result.ModelURL,
				PreviewURL: result.PreviewURL,
				Format:     result.Format,
			},
		})
		if err != nil {
			return nil, err
		}
		if _, err := a.ledger.FinalizeOrRelease(ctx, updated); err != nil {
			return updated, fmt.Errorf("advance %s: finalize credits: %w", job.ID, err)
		}
		return updated, nil
	case mesh.StateFailed:
		return a.failTerminally(ctx, job, result.ErrorCode, result.ErrorMessage)
	default:
		return nil, fmt.Errorf("advance %s: unknown provider state %q", job.ID, result.State)
	}
}

// failTerminally records the provider error on the job, moves it to failed
// and releases the reservation.
func (a *Advancer) failTerminally(ctx context.Context, job *domain.Job, errorCode, errorMessage string) (*domain.Job, error) {
	if errorCode == "" {
		errorCode = "provider_error"
	}
	updated, err := a.machine.Transition(ctx, job.ID, jobs.TransitionRequest{
		Target:       domain.JobStatusFailed,
		EventType:    "job.failed",
		Actor:        "worker",
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.ledger.FinalizeOrRelease(ctx, updated); err != nil {
		return updated, fmt.Errorf("advance %s: release credits: %w", job.ID, err)
	}
	return updated, nil
}

func (a *Advancer) recordProgress(ctx context.Context, job *domain.Job, progress int) error {
	if progress <= job.Progress {
		return nil
	}
	job.Progress = progress
	return a.store.UpdateProgress(ctx, job.ID, progress, "")
}
