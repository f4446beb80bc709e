package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/queue"
)

// Runner drains the distributed queue with a bounded worker pool. Messages
// are consumed through a NATS queue group, so with multiple instances each
// advancement request is delivered to exactly one runner.
type Runner struct {
	nc          *nats.Conn
	adapter     queue.Adapter
	advancer    queue.Advancer
	backoff     queue.BackoffPolicy
	concurrency int
	logger      zerolog.Logger
}

// NewRunner creates a runner consuming with at most concurrency in-flight
// advancements.
func NewRunner(nc *nats.Conn, adapter queue.Adapter, advancer queue.Advancer, backoff queue.BackoffPolicy, concurrency int, logger zerolog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		nc:          nc,
		adapter:     adapter,
		advancer:    advancer,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run subscribes to the advance subject and blocks until ctx is cancelled,
// then drains the subscription gracefully.
func (r *Runner) Run(ctx context.Context) error {
	sem := make(chan struct{}, r.concurrency)
	sub, err := r.nc.QueueSubscribe(queue.SubjectAdvance, queue.QueueGroup, func(m *nats.Msg) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			r.handle(ctx, m.Data)
		}()
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe %s: %w", queue.SubjectAdvance, err)
	}

	r.logger.Info().Int("concurrency", r.concurrency).Msg("worker: runner started")
	<-ctx.Done()

	r.logger.Info().Msg("worker: draining subscription")
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("worker: drain subscription: %w", err)
	}
	// Wait for in-flight handlers to finish.
	for i := 0; i < r.concurrency; i++ {
		sem <- struct{}{}
	}
	return nil
}

// handle processes one advancement request: advance the job, then ack, fail
// or re-enqueue with a phase-aware delay based on the resulting status.
func (r *Runner) handle(ctx context.Context, data []byte) {
	var msg queue.AdvanceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Error().Err(err).Msg("worker: failed to unmarshal advance message")
		return
	}

	job, err := r.advancer.Advance(ctx, msg.JobID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("worker: advance failed")
		if rErr := r.adapter.Retry(ctx, msg.JobID, r.backoff.BaseInterval); rErr != nil {
			r.logger.Error().Err(rErr).Str("job_id", msg.JobID).Msg("worker: retry scheduling failed")
		}
		return
	}

	switch {
	case job.Status == domain.JobStatusFailed:
		if fErr := r.adapter.Fail(ctx, job.ID, job.Status); fErr != nil {
			r.logger.Error().Err(fErr).Str("job_id", job.ID).Msg("worker: fail ack failed")
		}
	case job.Status.IsTerminal():
		if aErr := r.adapter.Ack(ctx, job.ID); aErr != nil {
			r.logger.Error().Err(aErr).Str("job_id", job.ID).Msg("worker: ack failed")
		}
	default:
		delay := r.backoff.Delay(job.Status, job.Progress)
		if rErr := r.adapter.Retry(ctx, job.ID, delay); rErr != nil {
			r.logger.Error().Err(rErr).Str("job_id", job.ID).Msg("worker: retry scheduling failed")
		}
	}
}
