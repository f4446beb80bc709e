package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"meshforge/internal/http/handlers"
	"meshforge/internal/middleware"
	"meshforge/internal/ratelimit"
)

// Options configures router-level middleware.
type Options struct {
	Limiter         *ratelimit.Limiter
	RateLimitMax    int64
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	DefaultLocale   string
}

// NewRouter assembles the HTTP surface.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale),
	)
	if opts.Limiter != nil {
		r.Use(middleware.RateLimit(opts.Limiter, opts.RateLimitMax, opts.RateLimitWindow))
	}

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
