package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// JobRepositoryPG implements domain.JobStore backed by PostgreSQL. Status
// transitions are guarded by the expected current status, so a concurrent
// advance loses cleanly with ErrStatusConflict instead of clobbering state.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `
id, user_id, status, mode, provider, COALESCE(provider_job_id, ''), progress, prompt,
source_type, COALESCE(source_url, ''), COALESCE(locale, ''), reserved_tokens, result,
COALESCE(error_code, ''), COALESCE(error_message, ''), attempts, next_attempt_at,
created_at, updated_at, started_at, completed_at
`

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO jobs (id, user_id, status, mode, provider, provider_job_id, progress, prompt, source_type, source_url, locale, reserved_tokens, result, attempts, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15)
RETURNING created_at, updated_at;
`,
		job.ID,
		job.UserID,
		job.Status,
		job.Mode,
		job.Provider,
		job.ProviderJobID,
		job.Progress,
		job.Prompt,
		job.SourceType,
		job.SourceURL,
		job.Locale,
		job.ReservedTokens,
		resultJSON,
		job.Attempts,
		job.NextAttemptAt,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	return scanJob(row)
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ApplyTransition moves the job from status `from` to `to`, applies the
// patch and appends the audit event in one transaction.
func (r *JobRepositoryPG) ApplyTransition(ctx context.Context, jobID string, from, to domain.JobStatus, patch domain.TransitionPatch, ev *domain.JobEvent) (*domain.Job, error) {
	resultJSON, err := marshalResult(patch.Result)
	if err != nil {
		return nil, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply transition: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
UPDATE jobs
SET status = $3,
    updated_at = NOW(),
    progress = COALESCE($4, progress),
    provider_job_id = COALESCE($5, provider_job_id),
    result = COALESCE($6, result),
    error_code = COALESCE($7, error_code),
    error_message = COALESCE($8, error_message),
    started_at = COALESCE($9, started_at),
    completed_at = COALESCE($10, completed_at)
WHERE id = $1 AND status = $2
RETURNING `+jobColumns+`;
`,
		jobID,
		from,
		to,
		patch.Progress,
		patch.ProviderJobID,
		resultJSON,
		patch.ErrorCode,
		patch.ErrorMessage,
		patch.StartedAt,
		patch.CompletedAt,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Either the job is gone or its status moved under us.
			if _, getErr := r.Get(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrStatusConflict
		}
		return nil, err
	}

	if ev != nil {
		if _, err := tx.Exec(ctx, `
INSERT INTO job_events (id, job_id, type, actor, error_code, error_message, at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7);
`,
			uuid.NewString(), jobID, ev.Type, ev.Actor, ev.ErrorCode, ev.ErrorMessage, ev.At,
		); err != nil {
			return nil, fmt.Errorf("apply transition: append event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("apply transition: commit: %w", err)
	}
	return job, nil
}

// UpdateProgress records provider-reported progress; terminal jobs are left
// untouched.
func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, jobID string, progress int, providerJobID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET progress = $2,
    provider_job_id = COALESCE(NULLIF($3, ''), provider_job_id),
    updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled');
`, jobID, progress, providerJobID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Reschedule records the next eligible poll time.
func (r *JobRepositoryPG) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs
SET next_attempt_at = $2,
    updated_at = NOW()
WHERE id = $1;
`, jobID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the failed-attempt counter and returns the new
// count.
func (r *JobRepositoryPG) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE jobs
SET attempts = attempts + 1,
    updated_at = NOW()
WHERE id = $1
RETURNING attempts;
`, jobID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// ListEligible returns non-terminal jobs whose next attempt is due.
func (r *JobRepositoryPG) ListEligible(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status NOT IN ('completed', 'failed', 'cancelled')
  AND next_attempt_at <= $1
ORDER BY next_attempt_at
LIMIT $2;
`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListEvents returns the job's audit events, oldest first.
func (r *JobRepositoryPG) ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, type, actor, COALESCE(error_code, ''), COALESCE(error_message, ''), at
FROM job_events
WHERE job_id = $1
ORDER BY at;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []domain.JobEvent
	for rows.Next() {
		var ev domain.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &ev.Actor, &ev.ErrorCode, &ev.ErrorMessage, &ev.At); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		resultJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.Mode,
		&job.Provider,
		&job.ProviderJobID,
		&job.Progress,
		&job.Prompt,
		&job.SourceType,
		&job.SourceURL,
		&job.Locale,
		&job.ReservedTokens,
		&resultJSON,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.Attempts,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(resultJSON) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &result
	}
	return &job, nil
}

func marshalResult(result *domain.JobResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return data, nil
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
