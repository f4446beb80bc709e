package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

type topUpRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CreditsBalance returns the caller's credit balance, creating the record
// with the default starting balance on first read.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Service.GetBalance(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: balance read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// CreditsTopUp credits purchased credit packs. The caller supplies the
// idempotency key (typically the payment reference) so webhook retries from
// the payment provider cannot double-credit.
func (a *App) CreditsTopUp(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Amount <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "amount must be positive")
		return
	}
	if req.IdempotencyKey == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "idempotency_key is required")
		return
	}
	res, err := a.Service.TopUpCredits(r.Context(), userID, req.Amount, req.IdempotencyKey)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: topup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to top up")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": res.Balance,
		"applied": res.Applied,
	})
}

// CreditsEvents returns the caller's token event log, newest first.
func (a *App) CreditsEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	events, err := a.Service.ListTokenEvents(r.Context(), userID, 100)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: list token events failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list events")
		return
	}
	type eventResponse struct {
		ID           string    `json:"id"`
		JobID        string    `json:"job_id,omitempty"`
		Reason       string    `json:"reason"`
		Type         string    `json:"type"`
		Amount       int64     `json:"amount"`
		Delta        int64     `json:"delta"`
		BalanceAfter int64     `json:"balance_after"`
		CreatedAt    time.Time `json:"created_at"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:           ev.ID,
			JobID:        ev.JobID,
			Reason:       string(ev.Reason),
			Type:         string(ev.Type),
			Amount:       ev.Amount,
			Delta:        ev.Delta,
			BalanceAfter: ev.BalanceAfter,
			CreatedAt:    ev.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"events": out})
}
