package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FailMarker in a prompt makes the synthetic task fail after its first poll.
// Used by the test suites and local smoke testing.
const FailMarker = "[force-failure]"

type syntheticTask struct {
	prompt string
	polls  int
}

// Synthetic walks every task through a fixed progress ramp without calling
// out of process, so the whole pipeline works in local and CI environments
// where no provider key is configured.
type Synthetic struct {
	mu    sync.Mutex
	steps []int
	tasks map[string]*syntheticTask
}

// NewSynthetic creates a synthetic generator. Each poll advances one step of
// the default ramp 25 → 60 → 95 → done.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		steps: []int{25, 60, 95},
		tasks: make(map[string]*syntheticTask),
	}
}

func (s *Synthetic) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "syn-" + req.RequestID
	if _, ok := s.tasks[id]; !ok {
		s.tasks[id] = &syntheticTask{prompt: req.Prompt}
	}
	return id, nil
}

func (s *Synthetic) Poll(ctx context.Context, providerJobID string) (*PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[providerJobID]
	if !ok {
		return nil, fmt.Errorf("synthetic: unknown task %q", providerJobID)
	}
	if strings.Contains(task.prompt, FailMarker) {
		return &PollResult{
			State:        StateFailed,
			ErrorCode:    "synthetic_failure",
			ErrorMessage: "prompt requested forced failure",
		}, nil
	}
	if task.polls >= len(s.steps) {
		return &PollResult{
			State:      StateSucceeded,
			Progress:   100,
			ModelURL:   fmt.Sprintf("synthetic://models/%s.glb", providerJobID),
			PreviewURL: fmt.Sprintf("synthetic://previews/%s.png", providerJobID),
			Format:     "glb",
		}, nil
	}
	progress := s.steps[task.polls]
	task.polls++
	return &PollResult{State: StateProcessing, Progress: progress}, nil
}

var _ Generator = (*Synthetic)(nil)
