package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSubmitSendsRequestID(t *testing.T) {
	var captured submitPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("authorization = %q, want Bearer test-key", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-99"})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	taskID, err := client.Submit(context.Background(), SubmitRequest{
		RequestID:  "job-1",
		Mode:       "preview",
		Prompt:     "a small ceramic teapot",
		SourceType: "text",
		Locale:     "en",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "task-99" {
		t.Fatalf("task id = %q, want task-99", taskID)
	}
	if captured.RequestID != "job-1" {
		t.Fatalf("request_id = %q, want job-1", captured.RequestID)
	}
	if captured.Mode != "preview" || captured.Prompt == "" {
		t.Fatalf("payload = %+v, want mode and prompt forwarded", captured)
	}
}

func TestClientSubmitRejectsMissingTaskID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client, _ := NewClient(Options{BaseURL: server.URL})
	if _, err := client.Submit(context.Background(), SubmitRequest{RequestID: "job-1"}); err == nil {
		t.Fatalf("expected error for missing task_id")
	}
}

func TestClientSubmitSurfacesErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := NewClient(Options{BaseURL: server.URL})
	_, err := client.Submit(context.Background(), SubmitRequest{RequestID: "job-1"})
	if err == nil {
		t.Fatalf("expected error for 403 response")
	}
}

func TestClientPollMapsTaskResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/task-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(taskResponse{
			Status:     "completed",
			Progress:   100,
			ModelURL:   "https://cdn.example.com/model.glb",
			PreviewURL: "https://cdn.example.com/preview.png",
			Format:     "glb",
		})
	}))
	defer server.Close()

	client, _ := NewClient(Options{BaseURL: server.URL})
	result, err := client.Poll(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", result.State)
	}
	if result.ModelURL == "" || result.Format != "glb" {
		t.Fatalf("result = %+v, want model url and glb format", result)
	}
}

func TestMapState(t *testing.T) {
	cases := []struct {
		status string
		want   State
	}{
		{"pending", StatePending},
		{"queued", StatePending},
		{"in_progress", StateProcessing},
		{"PROCESSING", StateProcessing},
		{"texturing", StatePostprocessing},
		{"postprocessing", StatePostprocessing},
		{"succeeded", StateSucceeded},
		{"completed", StateSucceeded},
		{"failed", StateFailed},
		{"expired", StateFailed},
		{"something-new", StateProcessing},
	}
	for _, tc := range cases {
		if got := mapState(tc.status); got != tc.want {
			t.Fatalf("mapState(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}
