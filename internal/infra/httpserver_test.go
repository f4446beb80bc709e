package infra

import (
	"net/http"
	"testing"
	"time"
)

func TestNewHTTPServerDefaultsAddr(t *testing.T) {
	srv := NewHTTPServer(HTTPServerOptions{}, http.NewServeMux())
	if srv.Addr() != ":8080" {
		t.Fatalf("addr = %q, want :8080", srv.Addr())
	}
}

func TestNewHTTPServerUsesOptions(t *testing.T) {
	srv := NewHTTPServer(HTTPServerOptions{
		Addr:         ":9090",
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  4 * time.Second,
	}, http.NewServeMux())
	if srv.Addr() != ":9090" {
		t.Fatalf("addr = %q, want :9090", srv.Addr())
	}
	if srv.server.ReadTimeout != 2*time.Second {
		t.Fatalf("read timeout = %s, want 2s", srv.server.ReadTimeout)
	}
	if srv.server.WriteTimeout != 3*time.Second {
		t.Fatalf("write timeout = %s, want 3s", srv.server.WriteTimeout)
	}
}
