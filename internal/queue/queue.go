// Package queue provides the dispatch abstraction that decides when a job is
// next picked up. Two interchangeable adapters implement the same contract:
// the tick driver (store-polled, progress on demand) and the NATS driver
// (distributed worker pool). Core logic depends only on the Adapter
// interface, never on which backend is active.
package queue

import (
	"context"
	"time"

	"meshforge/internal/domain"
)

// Advancer advances a single job one lifecycle step. Advancing a job already
// in a terminal status is a safe no-op, which is what makes at-least-once
// delivery from the distributed driver safe.
type Advancer interface {
	Advance(ctx context.Context, jobID string) (*domain.Job, error)
}

// Adapter schedules job advancement.
type Adapter interface {
	// Enqueue makes a freshly created job eligible for pickup.
	Enqueue(ctx context.Context, job *domain.Job) error
	// Ack marks a job as done with the queue (terminal status reached).
	Ack(ctx context.Context, jobID string) error
	// Fail marks a job as terminally failed with no further retries.
	Fail(ctx context.Context, jobID string, status domain.JobStatus) error
	// Retry schedules the next advancement attempt after delay.
	Retry(ctx context.Context, jobID string, delay time.Duration) error
}
