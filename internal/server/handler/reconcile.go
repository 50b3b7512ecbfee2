package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/reconcile"
)

// Reconciler is the operator surface of the account reconciler.
type Reconciler interface {
	ReconcileNow(ctx context.Context) (reconcile.CycleResult, error)
	IsStrategyFrozen() bool
	FreezeReason() string
	ConsecutiveMismatchCycles() int
	LastResult() (reconcile.CycleResult, bool)
	History(limit int) []domain.ReconciliationEvent
	FreezeStrategy(reason string)
	ResumeStrategy(reason string) bool
}

// ReconcileHandler serves reconciliation status, the audit trail and the
// manual freeze controls.
type ReconcileHandler struct {
	rec    Reconciler
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler. audit may be nil, in which
// case events come from the reconciler's in-memory history.
func NewReconcileHandler(rec Reconciler, audit domain.AuditStore, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{rec: rec, audit: audit, logger: logger}
}

// Status reports the freeze state, escalation counter and last cycle.
// GET /api/reconcile/status
func (h *ReconcileHandler) Status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"frozen":             h.rec.IsStrategyFrozen(),
		"freeze_reason":      h.rec.FreezeReason(),
		"consecutive_cycles": h.rec.ConsecutiveMismatchCycles(),
	}
	if last, ok := h.rec.LastResult(); ok {
		out["last_cycle"] = last
	}
	writeJSON(w, http.StatusOK, out)
}

// ListEvents returns audit events, oldest first.
// GET /api/reconcile/events?limit=&offset=&since=&until=
func (h *ReconcileHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var events []domain.ReconciliationEvent
	if h.audit != nil {
		events, err = h.audit.List(r.Context(), opts)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		events = h.rec.History(opts.Limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// RunNow runs one cycle synchronously and returns its result.
// POST /api/reconcile/run
func (h *ReconcileHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.rec.ReconcileNow(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request, def string) string {
	var body reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err == nil && body.Reason != "" {
			return body.Reason
		}
	}
	return def
}

// Freeze freezes trading manually.
// POST /api/reconcile/freeze
func (h *ReconcileHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	reason := readReason(r, "manual freeze")
	h.rec.FreezeStrategy(reason)
	h.logger.Warn("trading frozen by operator", slog.String("reason", reason))
	writeJSON(w, http.StatusOK, map[string]any{"frozen": true, "freeze_reason": h.rec.FreezeReason()})
}

// Resume clears a freeze and resets the escalation counter. Algorithms paused
// by the freeze stay paused.
// POST /api/reconcile/resume
func (h *ReconcileHandler) Resume(w http.ResponseWriter, r *http.Request) {
	reason := readReason(r, "manual resume")
	if !h.rec.ResumeStrategy(reason) {
		writeError(w, http.StatusConflict, "trading is not frozen")
		return
	}
	h.logger.Warn("trading resumed by operator", slog.String("reason", reason))
	writeJSON(w, http.StatusOK, map[string]any{"frozen": false})
}
