// Package jobs implements the job lifecycle state machine. It validates and
// applies status transitions, stamps lifecycle timestamps and appends audit
// events. It never touches the token ledger: the worker sequences
// "transition, then reconcile credits".
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry: nothing leaves them.
var transitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusQueued: {
		domain.JobStatusProviderPending,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	},
	domain.JobStatusProviderPending: {
		domain.JobStatusProviderProcessing,
		domain.JobStatusPostprocessing,
		domain.JobStatusCompleted,
		domain.JobStatusRetrying,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	},
	domain.JobStatusProviderProcessing: {
		domain.JobStatusPostprocessing,
		domain.JobStatusCompleted,
		domain.JobStatusRetrying,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	},
	domain.JobStatusPostprocessing: {
		domain.JobStatusCompleted,
		domain.JobStatusRetrying,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	},
	domain.JobStatusRetrying: {
		domain.JobStatusProviderPending,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	},
}

// CanTransition reports whether to is reachable from from.
func CanTransition(from, to domain.JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionRequest describes one requested status change.
type TransitionRequest struct {
	Target        domain.JobStatus
	EventType     string
	Actor         string
	ErrorCode     string
	ErrorMessage  string
	Progress      *int
	ProviderJobID string
	Result        *domain.JobResult
}

// Machine applies validated transitions against a JobStore.
type Machine struct {
	store  domain.JobStore
	logger zerolog.Logger
}

// NewMachine creates a state machine over store.
func NewMachine(store domain.JobStore, logger zerolog.Logger) *Machine {
	return &Machine{store: store, logger: logger}
}

// Transition moves the job to req.Target, appends an audit event and returns
// the updated record. An unreachable transition is a caller bug and fails
// with ErrInvalidTransition, leaving the job unchanged. A concurrent advance
// that already produced req.Target is reported as success with the stored job.
func (m *Machine) Transition(ctx context.Context, jobID string, req TransitionRequest) (*domain.Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("transition %s: load job: %w", jobID, err)
	}
	if job.Status == req.Target {
		return job, nil
	}
	if !CanTransition(job.Status, req.Target) {
		m.logger.Error().
			Str("job_id", jobID).
			Str("from", string(job.Status)).
			Str("to", string(req.Target)).
			Msg("jobs: illegal transition requested")
		return nil, fmt.Errorf("transition %s from %s to %s: %w", jobID, job.Status, req.Target, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	patch := domain.TransitionPatch{
		Progress: req.Progress,
		Result:   req.Result,
	}
	if req.ProviderJobID != "" {
		patch.ProviderJobID = &req.ProviderJobID
	}
	if req.ErrorCode != "" {
		patch.ErrorCode = &req.ErrorCode
	}
	if req.ErrorMessage != "" {
		patch.ErrorMessage = &req.ErrorMessage
	}
	if req.Target.IsRunning() && job.StartedAt == nil {
		patch.StartedAt = &now
	}
	if req.Target.IsTerminal() {
		patch.CompletedAt = &now
		if req.Target == domain.JobStatusCompleted && req.Progress == nil {
			full := 100
			patch.Progress = &full
		}
	}

	eventType := req.EventType
	if eventType == "" {
		eventType = "job." + string(req.Target)
	}
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	ev := &domain.JobEvent{
		JobID:        jobID,
		Type:         eventType,
		Actor:        actor,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		At:           now,
	}

	updated, err := m.store.ApplyTransition(ctx, jobID, job.Status, req.Target, patch, ev)
	if errors.Is(err, domain.ErrStatusConflict) {
		// Another worker raced us. If it produced the same target the work is
		// done; otherwise surface the conflict to the caller.
		current, reloadErr := m.store.Get(ctx, jobID)
		if reloadErr != nil {
			return nil, fmt.Errorf("transition %s: reload after conflict: %w", jobID, reloadErr)
		}
		if current.Status == req.Target {
			return current, nil
		}
		return nil, fmt.Errorf("transition %s to %s: %w", jobID, req.Target, domain.ErrStatusConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", jobID, req.Target, err)
	}

	m.logger.Info().
		Str("job_id", jobID).
		Str("from", string(job.Status)).
		Str("to", string(req.Target)).
		Str("actor", actor).
		Msg("jobs: transition applied")
	return updated, nil
}
