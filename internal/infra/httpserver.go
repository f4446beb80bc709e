package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServerOptions tunes the listener. Status reads can advance a whole
// batch of jobs under the tick driver, so the write timeout is configurable
// instead of hardcoded.
type HTTPServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HTTPServer wraps http.Server with graceful startup and shutdown.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a server for handler bound to opts.Addr.
func NewHTTPServer(opts HTTPServerOptions, handler http.Handler) *HTTPServer {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return &HTTPServer{server: srv}
}

// Addr returns the address the server binds to.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Start runs the HTTP server in the current goroutine.
func (s *HTTPServer) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
