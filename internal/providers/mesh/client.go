package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the hosted provider client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client talks to the hosted 3D generation API: one POST to open a task, then
// polling GETs until the task reaches a terminal state.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// NewClient creates a provider client. BaseURL defaults to the hosted API.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.meshforge.dev/v1"
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("mesh: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

type submitPayload struct {
	RequestID  string `json:"request_id"`
	Mode       string `json:"mode"`
	Prompt     string `json:"prompt,omitempty"`
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type taskResponse struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ModelURL     string `json:"model_url"`
	PreviewURL   string `json:"preview_url"`
	Format       string `json:"format"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Submit opens a generation task. The request_id doubles as the provider-side
// dedup key, so resubmitting after a crash returns the same task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := submitPayload{
		RequestID:  req.RequestID,
		Mode:       req.Mode,
		Prompt:     req.Prompt,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		Locale:     req.Locale,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("mesh: marshal submit payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mesh: build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mesh: submit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("mesh: submit returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("mesh: decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("mesh: submit response missing task_id")
	}
	if c.logger != nil {
		c.logger.Debug().Str("task_id", out.TaskID).Str("request_id", req.RequestID).Msg("mesh: task submitted")
	}
	return out.TaskID, nil
}

// Poll reports the current state of a task.
func (c *Client) Poll(ctx context.Context, providerJobID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(providerJobID), nil)
	if err != nil {
		return nil, fmt.Errorf("mesh: build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mesh: poll: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mesh: poll returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	var out taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mesh: decode poll response: %w", err)
	}
	return &PollResult{
		State:        mapState(out.Status),
		Progress:     out.Progress,
		ModelURL:     out.ModelURL,
		PreviewURL:   out.PreviewURL,
		Format:       out.Format,
		ErrorCode:    out.ErrorCode,
		ErrorMessage: out.ErrorMessage,
	}, nil
}

func mapState(status string) State {
	switch strings.ToLower(status) {
	case "pending", "queued":
		return StatePending
	case "in_progress", "processing":
		return StateProcessing
	case "postprocessing", "texturing":
		return StatePostprocessing
	case "succeeded", "completed":
		return StateSucceeded
	case "failed", "error", "expired":
		return StateFailed
	default:
		return StateProcessing
	}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return string(data)
}

var _ Generator = (*Client)(nil)
