package handlers

import (
	"encoding/json"
	"net/http"

	"meshforge/internal/infra"
	"meshforge/internal/service"
)

// App holds the dependencies shared by all HTTP handlers. Identity arrives as
// a trusted X-User-ID header set by the upstream gateway; this service does
// not authenticate end users itself.
type App struct {
	Service *service.Orchestrator
	Logger  infra.Logger
}

// NewApp creates the handler container.
func NewApp(svc *service.Orchestrator, logger infra.Logger) *App {
	return &App{Service: svc, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{
			"code":    errCode,
			"message": message,
		},
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
