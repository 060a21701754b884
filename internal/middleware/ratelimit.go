package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/service"

	"github.com/goccy/go-json"
)

// RateLimit admits each request through the fixed-window limiter, keyed by client IP.
// The limiter fails open on its own, so this middleware never errors.
func RateLimit(l *service.Limiter, m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.Requests.Inc()
			d := l.Admit(r.Context(), ClientKey(r))

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

			if !d.Allowed {
				m.RateLimited.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(l.Policy().Window/time.Second)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":      "rate_limited",
					"message":    "Too many requests, please try again later",
					"request_id": RequestIDFromContext(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller: the first X-Forwarded-For entry when behind a proxy,
// otherwise the peer address, otherwise "unknown".
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
