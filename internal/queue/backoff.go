package queue

import (
	"time"

	"meshforge/internal/domain"
)

// BackoffPolicy computes the delay before a job's next poll. Delays are
// phase-aware rather than a blind exponential curve: provider latency is
// front-loaded, so mid-flight jobs are checked promptly while near-complete
// jobs switch to a slower cadence once progress passes the high-water mark.
type BackoffPolicy struct {
	// BaseInterval is the default poll interval.
	BaseInterval time.Duration
	// SlowInterval is used once progress reaches HighWater.
	SlowInterval time.Duration
	// HighWater is the progress percentage at which polling slows down.
	HighWater int
}

// DefaultBackoff mirrors the production defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseInterval: 2 * time.Second,
		SlowInterval: 10 * time.Second,
		HighWater:    90,
	}
}

// Delay returns the next poll delay for a job in the given status and
// progress. Terminal statuses never schedule another poll; callers are not
// expected to ask, but a zero delay keeps the contract harmless.
func (p BackoffPolicy) Delay(status domain.JobStatus, progress int) time.Duration {
	if status.IsTerminal() {
		return 0
	}
	switch status {
	case domain.JobStatusProviderProcessing, domain.JobStatusPostprocessing:
		if progress >= p.HighWater {
			return p.SlowInterval
		}
		return p.BaseInterval
	default:
		return p.BaseInterval
	}
}
