package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// SubjectAdvance is the NATS subject the worker pool consumes.
const SubjectAdvance = "meshforge.jobs.advance"

// QueueGroup is the NATS queue group: with multiple worker instances, each
// message is delivered to exactly one member of the group.
const QueueGroup = "meshforge-workers"

// AdvanceMessage is the wire payload for one advancement request. Only the
// job ID travels; workers load the authoritative record from the store.
type AdvanceMessage struct {
	JobID string `json:"job_id"`
}

// NatsDriver pushes jobs to a NATS subject consumed by a distributed worker
// pool. Delivery is at least once; the advance operation being idempotent is
// what makes duplicates safe.
type NatsDriver struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewNatsDriver creates a distributed driver over nc.
func NewNatsDriver(nc *nats.Conn, logger zerolog.Logger) *NatsDriver {
	return &NatsDriver{nc: nc, logger: logger}
}

// Enqueue publishes an advancement request for the job.
func (d *NatsDriver) Enqueue(ctx context.Context, job *domain.Job) error {
	return d.publish(job.ID)
}

// Ack is a no-op: core NATS messages are consumed on delivery.
func (d *NatsDriver) Ack(ctx context.Context, jobID string) error {
	return nil
}

// Fail stops retries for a terminally failed job.
func (d *NatsDriver) Fail(ctx context.Context, jobID string, status domain.JobStatus) error {
	d.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("queue: job failed terminally")
	return nil
}

// Retry republishes the job after delay. Core NATS has no delayed delivery,
// so the delay runs on an in-process timer; if the process dies before it
// fires, the tick path or a fresh enqueue can still pick the job up because
// advancement is idempotent. The failed-attempt count lives on the job record
// and is bumped by the advancer, so redeliveries here still hit the cap.
func (d *NatsDriver) Retry(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return d.publish(jobID)
	}
	time.AfterFunc(delay, func() {
		if err := d.publish(jobID); err != nil {
			d.logger.Error().Err(err).Str("job_id", jobID).Msg("queue: delayed republish failed")
		}
	})
	return nil
}

func (d *NatsDriver) publish(jobID string) error {
	data, err := json.Marshal(AdvanceMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("queue: marshal advance message: %w", err)
	}
	if err := d.nc.Publish(SubjectAdvance, data); err != nil {
		return fmt.Errorf("queue: publish %s: %w", SubjectAdvance, err)
	}
	return nil
}

var _ Adapter = (*NatsDriver)(nil)
