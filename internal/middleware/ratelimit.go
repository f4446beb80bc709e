package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meshforge/internal/ratelimit"
)

// ScopeHTTP is the rate-limit scope for per-IP request throttling.
const ScopeHTTP = "http"

// RateLimit throttles requests per client IP through the shared limiter.
func RateLimit(limiter *ratelimit.Limiter, max int64, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Consume(r.Context(), ratelimit.ConsumeRequest{
				Scope:  ScopeHTTP,
				Key:    clientIPForRateLimit(r),
				Max:    max,
				Window: window,
			})
			if err != nil {
				http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
				return
			}
			if !res.OK {
				retryAfter := int(res.RetryAfter / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
