package domain

import "time"

// JobMode enumerates supported generation modes.
type JobMode string

const (
	JobModePreview JobMode = "preview"
	JobModeRefine  JobMode = "refine"
)

// SourceType enumerates supported generation inputs.
type SourceType string

const (
	SourceTypeText  SourceType = "text"
	SourceTypeImage SourceType = "image"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued             JobStatus = "queued"
	JobStatusProviderPending    JobStatus = "provider_pending"
	JobStatusProviderProcessing JobStatus = "provider_processing"
	JobStatusPostprocessing     JobStatus = "postprocessing"
	JobStatusRetrying           JobStatus = "retrying"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCancelled          JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsRunning reports whether s is one of the provider round-trip phases.
func (s JobStatus) IsRunning() bool {
	switch s {
	case JobStatusProviderPending, JobStatusProviderProcessing, JobStatusPostprocessing, JobStatusRetrying:
		return true
	}
	return false
}

// JobResult holds the artifacts of a completed generation.
type JobResult struct {
	ModelURL   string `json:"model_url"`
	PreviewURL string `json:"preview_url"`
	Format     string `json:"format"`
}

// Job encapsulates one 3D generation request from admission to terminal state.
// Status is mutated only through the state machine; balances only through the
// token ledger. Progress and scheduling fields are owned by the queue drivers.
type Job struct {
	ID             string
	UserID         string
	Status         JobStatus
	Mode           JobMode
	Provider       string
	ProviderJobID  string
	Progress       int
	Prompt         string
	SourceType     SourceType
	SourceURL      string
	Locale         string
	ReservedTokens int64
	Result         *JobResult
	ErrorCode      string
	ErrorMessage   string
	Attempts       int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// JobEvent is an immutable audit record appended on every state transition.
type JobEvent struct {
	ID           string
	JobID        string
	Type         string
	Actor        string
	ErrorCode    string
	ErrorMessage string
	At           time.Time
}
