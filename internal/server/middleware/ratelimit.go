package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// RateLimit returns middleware that applies per-client rate limiting using the
// shared domain.RateLimiter, so every instance behind a load balancer draws on
// one budget. Each client IP is limited to limit requests per window.
// Limiter errors fail open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:api:" + extractClientIP(r)
			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err == nil && !allowed {
				writeTooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalRateLimit is RateLimit with in-process token buckets, for
// deployments without Redis. Buckets idle for ten minutes are dropped.
func LocalRateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	type entry struct {
		lim  *rate.Limiter
		seen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*entry)
		swept   = time.Now()
	)
	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(swept) > time.Minute {
			for k, e := range clients {
				if now.Sub(e.seen) > 10*time.Minute {
					delete(clients, k)
				}
			}
			swept = now
		}
		e, ok := clients[ip]
		if !ok {
			e = &entry{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			clients[ip] = e
		}
		e.seen = now
		return e.lim.AllowN(now, 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(extractClientIP(r), time.Now()) {
				writeTooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeTooMany(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
