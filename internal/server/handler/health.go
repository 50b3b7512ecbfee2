package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

const checkTimeout = 3 * time.Second

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks    map[string]Check
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Each named check runs on every
// request; a nil map reports liveness only.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, startedAt: time.Now(), logger: logger}
}

// HealthCheck runs every dependency check concurrently and responds 200 when
// all pass, 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	code, overall := http.StatusOK, "ok"
	var failed []string
	for name, s := range results {
		if s != "ok" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		code, overall = http.StatusServiceUnavailable, "degraded"
		h.logger.Warn("health check failed", slog.Any("checks", failed))
	}

	writeJSON(w, code, map[string]any{
		"status":         overall,
		"checks":         results,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
