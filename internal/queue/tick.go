package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// TickDriver advances jobs without an external broker: the job table itself
// is the queue, and progress happens only when something calls Tick (a status
// read, or a periodic ticker). It trades dedicated background capacity for
// simplicity and is the default for single-instance deployments.
type TickDriver struct {
	store    domain.JobStore
	advancer Advancer
	backoff  BackoffPolicy
	batch    int
	logger   zerolog.Logger
}

// NewTickDriver creates a tick driver advancing at most batch jobs per tick.
func NewTickDriver(store domain.JobStore, advancer Advancer, backoff BackoffPolicy, batch int, logger zerolog.Logger) *TickDriver {
	if batch <= 0 {
		batch = 5
	}
	return &TickDriver{store: store, advancer: advancer, backoff: backoff, batch: batch, logger: logger}
}

// Enqueue is a no-op: a created job is eligible immediately because its
// next_attempt_at starts in the past.
func (d *TickDriver) Enqueue(ctx context.Context, job *domain.Job) error {
	return nil
}

// Ack is a no-op: terminal jobs drop out of the eligibility query.
func (d *TickDriver) Ack(ctx context.Context, jobID string) error {
	return nil
}

// Fail is a no-op beyond logging: the terminal status recorded by the state
// machine already stops pickup.
func (d *TickDriver) Fail(ctx context.Context, jobID string, status domain.JobStatus) error {
	d.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("queue: job failed terminally")
	return nil
}

// Retry schedules the next attempt by pushing out next_attempt_at.
func (d *TickDriver) Retry(ctx context.Context, jobID string, delay time.Duration) error {
	return d.store.Reschedule(ctx, jobID, time.Now().UTC().Add(delay))
}

// Tick advances up to max eligible jobs now and returns how many were
// advanced. max <= 0 uses the driver's configured batch size.
func (d *TickDriver) Tick(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = d.batch
	}
	eligible, err := d.store.ListEligible(ctx, time.Now().UTC(), max)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, job := range eligible {
		updated, err := d.advancer.Advance(ctx, job.ID)
		if err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("queue: tick advance failed")
			if rErr := d.Retry(ctx, job.ID, d.backoff.BaseInterval); rErr != nil {
				d.logger.Error().Err(rErr).Str("job_id", job.ID).Msg("queue: tick reschedule failed")
			}
			continue
		}
		advanced++
		if !updated.Status.IsTerminal() {
			if rErr := d.Retry(ctx, job.ID, d.backoff.Delay(updated.Status, updated.Progress)); rErr != nil {
				d.logger.Error().Err(rErr).Str("job_id", job.ID).Msg("queue: tick reschedule failed")
			}
		}
	}
	return advanced, nil
}

var _ Adapter = (*TickDriver)(nil)
