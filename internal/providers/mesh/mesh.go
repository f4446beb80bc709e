// Package mesh defines the contract with the downstream 3D generation
// provider and its implementations: an HTTP client for the hosted API and a
// deterministic synthetic generator for local and CI environments.
package mesh

import "context"

// State is the provider-side lifecycle of a generation task.
type State string

const (
	StatePending        State = "pending"
	StateProcessing     State = "processing"
	StatePostprocessing State = "postprocessing"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// SubmitRequest carries everything the provider needs to start a generation.
type SubmitRequest struct {
	RequestID  string
	Mode       string
	Prompt     string
	SourceType string
	SourceURL  string
	Locale     string
}

// PollResult is the normalized status of a provider task.
type PollResult struct {
	State        State
	Progress     int
	ModelURL     string
	PreviewURL   string
	Format       string
	ErrorCode    string
	ErrorMessage string
}

// Generator is the provider contract: submit once, then poll until a
// terminal state. Both calls must be safe to repeat.
type Generator interface {
	// Submit starts a generation and returns the provider's task ID.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Poll reports the task's current state.
	Poll(ctx context.Context, providerJobID string) (*PollResult, error)
}
