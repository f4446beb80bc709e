package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"meshforge/internal/domain"
	"meshforge/internal/middleware"
	"meshforge/internal/service"
)

type jobCreateRequest struct {
	Mode       string `json:"mode"`
	Prompt     string `json:"prompt"`
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url"`
	Provider   string `json:"provider"`
}

type jobResponse struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Status         string            `json:"status"`
	Mode           string            `json:"mode"`
	Provider       string            `json:"provider"`
	Progress       int               `json:"progress"`
	Prompt         string            `json:"prompt,omitempty"`
	SourceType     string            `json:"source_type"`
	SourceURL      string            `json:"source_url,omitempty"`
	ReservedTokens int64             `json:"reserved_tokens"`
	Result         *domain.JobResult `json:"result,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:             job.ID,
		UserID:         job.UserID,
		Status:         string(job.Status),
		Mode:           string(job.Mode),
		Provider:       job.Provider,
		Progress:       job.Progress,
		Prompt:         job.Prompt,
		SourceType:     string(job.SourceType),
		SourceURL:      job.SourceURL,
		ReservedTokens: job.ReservedTokens,
		Result:         job.Result,
		ErrorCode:      job.ErrorCode,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}

// JobsCreate admits a new generation job: rate limit, credit reservation,
// persistence and dispatch, in that order.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	mode := domain.JobMode(req.Mode)
	if mode == "" {
		mode = domain.JobModePreview
	}
	sourceType := domain.SourceType(req.SourceType)
	if sourceType == "" {
		sourceType = domain.SourceTypeText
	}
	switch sourceType {
	case domain.SourceTypeText:
		if req.Prompt == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "prompt is required for text generation")
			return
		}
	case domain.SourceTypeImage:
		if req.SourceURL == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "source_url is required for image generation")
			return
		}
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported source type")
		return
	}

	job, err := a.Service.CreateJob(r.Context(), service.CreateJobSpec{
		UserID:     userID,
		Mode:       mode,
		Prompt:     req.Prompt,
		SourceType: sourceType,
		SourceURL:  req.SourceURL,
		Provider:   req.Provider,
		Locale:     middleware.LocaleFromContext(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			var limited *domain.RateLimitedError
			if errors.As(err, &limited) {
				retryAfter := int(limited.RetryAfter / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
			a.error(w, http.StatusTooManyRequests, "rate_limited", "too many generation requests, slow down")
		case errors.Is(err, domain.ErrInsufficientCredits):
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this generation")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: job admission failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// JobsGet returns job status. Under the tick driver the read also advances a
// batch of eligible jobs before reporting.
func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Service.GetJobStatus(r.Context(), jobID)
	if err != nil || job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// JobsList returns the caller's jobs, newest first.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobsList, err := a.Service.ListJobs(r.Context(), userID, 50)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: list jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobsList))
	for i := range jobsList {
		out = append(out, toJobResponse(&jobsList[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": out})
}

// JobsCancel cancels a job and releases its reservation. Cancelling a
// terminal job reports the current state without error.
func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Service.GetJobStatus(r.Context(), jobID)
	if err != nil || job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	updated, cancelled, err := a.Service.CancelJob(r.Context(), jobID, "user")
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrStatusConflict) {
			a.error(w, http.StatusConflict, "conflict", "job changed state concurrently")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"job":       toJobResponse(updated),
		"cancelled": cancelled,
	})
}

// JobsEvents returns the job's audit trail, oldest first.
func (a *App) JobsEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Service.GetJobStatus(r.Context(), jobID)
	if err != nil || job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	events, err := a.Service.ListJobEvents(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: list job events failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list job events")
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		entry := map[string]any{
			"type":  ev.Type,
			"actor": ev.Actor,
			"at":    ev.At,
		}
		if ev.ErrorCode != "" {
			entry["error_code"] = ev.ErrorCode
		}
		if ev.ErrorMessage != "" {
			entry["error_message"] = ev.ErrorMessage
		}
		out = append(out, entry)
	}
	a.json(w, http.StatusOK, map[string]any{"events": out})
}
