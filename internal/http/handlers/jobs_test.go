package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
	"meshforge/internal/jobs"
	"meshforge/internal/ledger"
	"meshforge/internal/providers/mesh"
	"meshforge/internal/queue"
	"meshforge/internal/ratelimit"
	"meshforge/internal/service"
	"meshforge/internal/worker"
)

func newTestRouter(t *testing.T, defaultBalance, rateMax int64) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	jobStore := repo.NewMemoryJobStore()
	ledgerStore := repo.NewMemoryLedgerStore(defaultBalance)
	lgr := ledger.New(ledgerStore, logger, "test")
	machine := jobs.NewMachine(jobStore, logger)
	limiter := ratelimit.New(ratelimit.NewMemoryCounter(), false, logger)
	advancer := worker.NewAdvancer(jobStore, machine, lgr, mesh.NewSynthetic(), 10, logger)
	tick := queue.NewTickDriver(jobStore, advancer, queue.BackoffPolicy{HighWater: 90}, 5, logger)

	svc := service.New(limiter, lgr, jobStore, machine, tick, tick, service.Options{
		Costs: map[domain.JobMode]int64{
			domain.JobModePreview: 10,
			domain.JobModeRefine:  20,
		},
		RateLimitMax:    rateMax,
		RateLimitWindow: time.Minute,
		DefaultProvider: "meshforge",
		TickBatch:       5,
	}, logger)
	app := NewApp(svc, logger)

	r := chi.NewRouter()
	r.Get("/v1/healthz", app.Health)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/", app.JobsList)
		r.Get("/{job_id}", app.JobsGet)
		r.Delete("/{job_id}", app.JobsCancel)
		r.Get("/{job_id}/events", app.JobsEvents)
	})
	r.Route("/v1/credits", func(r chi.Router) {
		r.Get("/", app.CreditsBalance)
		r.Post("/", app.CreditsTopUp)
		r.Get("/events", app.CreditsEvents)
	})
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobResponse {
	t.Helper()
	var out jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestJobsCreateAccepted(t *testing.T) {
	router := newTestRouter(t, 100, 100)

	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1",
		`{"mode":"preview","prompt":"a small ceramic teapot"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.ID == "" {
		t.Fatalf("job id missing")
	}
	if job.Status != "queued" {
		t.Fatalf("job status = %q, want queued", job.Status)
	}
	if job.ReservedTokens != 10 {
		t.Fatalf("reserved = %d, want 10", job.ReservedTokens)
	}
}

func TestJobsCreateRequiresUser(t *testing.T) {
	router := newTestRouter(t, 100, 100)
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "", `{"prompt":"teapot"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJobsCreateValidatesPayload(t *testing.T) {
	router := newTestRouter(t, 100, 100)

	cases := []struct {
		name string
		body string
	}{
		{"missing prompt for text", `{"mode":"preview"}`},
		{"missing source url for image", `{"source_type":"image"}`},
		{"unknown source type", `{"source_type":"hologram","prompt":"x"}`},
		{"invalid json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestJobsCreateInsufficientCredits(t *testing.T) {
	router := newTestRouter(t, 5, 100)
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestJobsCreateRateLimited(t *testing.T) {
	router := newTestRouter(t, 1000, 1)
	if rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first create status = %d, want 202", rec.Code)
	}
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatalf("Retry-After header missing on 429")
	}
	if secs, err := strconv.Atoi(retryAfter); err != nil || secs < 1 {
		t.Fatalf("Retry-After = %q, want a positive number of seconds", retryAfter)
	}
}

func TestJobsGetCompletesUnderTickDriver(t *testing.T) {
	router := newTestRouter(t, 100, 100)

	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", rec.Code)
	}
	id := decodeJob(t, rec).ID

	var job jobResponse
	for i := 0; i < 6; i++ {
		rec = doRequest(t, router, http.MethodGet, "/v1/jobs/"+id, "user-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("read %d status = %d, want 200", i, rec.Code)
		}
		job = decodeJob(t, rec)
	}
	if job.Status != "completed" {
		t.Fatalf("job status = %q, want completed after repeated reads", job.Status)
	}
	if job.Result == nil || job.Result.ModelURL == "" {
		t.Fatalf("completed job missing result")
	}
}

func TestJobsGetHidesOtherUsersJobs(t *testing.T) {
	router := newTestRouter(t, 100, 100)
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`)
	id := decodeJob(t, rec).ID

	rec = doRequest(t, router, http.MethodGet, "/v1/jobs/"+id, "user-2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign job", rec.Code)
	}
}

func TestJobsCancelReleasesCredits(t *testing.T) {
	router := newTestRouter(t, 100, 100)
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"mode":"refine","prompt":"teapot"}`)
	id := decodeJob(t, rec).ID

	rec = doRequest(t, router, http.MethodDelete, "/v1/jobs/"+id, "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Job       jobResponse `json:"job"`
		Cancelled bool        `json:"cancelled"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Cancelled || out.Job.Status != "cancelled" {
		t.Fatalf("cancel = %+v, want cancelled", out)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/credits", "user-1", "")
	var balance struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != 100 {
		t.Fatalf("balance = %d, want 100 after release", balance.Balance)
	}
}

func TestJobsEventsReturnsAuditTrail(t *testing.T) {
	router := newTestRouter(t, 100, 100)
	rec := doRequest(t, router, http.MethodPost, "/v1/jobs", "user-1", `{"prompt":"teapot"}`)
	id := decodeJob(t, rec).ID

	// Walk the job to completion, then read its trail.
	for i := 0; i < 6; i++ {
		doRequest(t, router, http.MethodGet, "/v1/jobs/"+id, "user-1", "")
	}
	rec = doRequest(t, router, http.MethodGet, "/v1/jobs/"+id+"/events", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d, want 200", rec.Code)
	}
	var out struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) == 0 {
		t.Fatalf("expected audit events")
	}
	last := out.Events[len(out.Events)-1]
	if last["type"] != "job.completed" {
		t.Fatalf("last event type = %v, want job.completed", last["type"])
	}
}
