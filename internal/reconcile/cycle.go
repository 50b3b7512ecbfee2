package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// CycleResult summarises one reconciliation cycle.
type CycleResult struct {
	Cycle            uint64                 `json:"cycle"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	VenuesChecked    []domain.Venue         `json:"venues_checked"`
	VenuesFailed     []domain.Venue         `json:"venues_failed,omitempty"`
	LocalOrders      int                    `json:"local_orders"`
	VenueOrders      int                    `json:"venue_orders"`
	Mismatches       []domain.StateMismatch `json:"mismatches,omitempty"`
	Corrected        int                    `json:"corrected"`
	Orphans          int                    `json:"orphans"`
	OrphansCancelled int                    `json:"orphans_cancelled"`
	CorrectionErrors int                    `json:"correction_errors"`
	Frozen           bool                   `json:"frozen"`
	Skipped          bool                   `json:"skipped"`
	SkipReason       string                 `json:"skip_reason,omitempty"`
}

type venueSnapshot struct {
	adapter domain.VenueAdapter
	orders  []domain.ExecutionReport
	err     error
}

// ReconcileNow runs one cycle. A cycle already in progress, or a lock held
// by another process, yields a skipped result and no error.
func (r *Reconciler) ReconcileNow(ctx context.Context) (CycleResult, error) {
	cycle, err := r.begin()
	if err != nil {
		return r.skip(err.Error()), nil
	}
	res := &CycleResult{Cycle: cycle, StartedAt: r.now()}
	err = r.run(ctx, res)
	res.FinishedAt = r.now()
	res.Frozen = r.IsStrategyFrozen()
	r.end(res)
	return *res, err
}

func (r *Reconciler) run(ctx context.Context, res *CycleResult) error {
	cycle := res.Cycle
	unlock, err := r.acquire(ctx)
	if errors.Is(err, domain.ErrLockHeld) {
		res.Skipped, res.SkipReason = true, "lock held by another process"
		r.metrics.ReconciliationCycle("skipped")
		r.emit(domain.ReconciliationEvent{Type: domain.EventCycleSkipped, Cycle: cycle, Message: res.SkipReason})
		return nil
	}
	if err != nil {
		r.metrics.ReconciliationCycle("error")
		return err
	}
	defer unlock()

	r.emit(domain.ReconciliationEvent{Type: domain.EventCycleStarted, Cycle: cycle})

	local, err := r.store.ListPending(ctx)
	if err != nil {
		r.metrics.ReconciliationCycle("error")
		return fmt.Errorf("reconcile: cycle %d: list pending: %w", cycle, err)
	}
	res.LocalOrders = len(local)
	byID := make(map[string]domain.LocalOrder, len(local))
	for _, o := range local {
		byID[o.ClientOrderID] = o
	}

	for _, snap := range r.queryVenues(ctx) {
		v := snap.adapter.Venue()
		if snap.err != nil {
			res.VenuesFailed = append(res.VenuesFailed, v)
			r.logger.Warn("venue open-order query failed", slog.String("venue", string(v)), slog.String("error", snap.err.Error()))
			r.emit(domain.ReconciliationEvent{Type: domain.EventVenueQueryFailed, Cycle: cycle, Venue: v, Message: snap.err.Error()})
			continue
		}
		res.VenuesChecked = append(res.VenuesChecked, v)
		res.VenueOrders += len(snap.orders)
		for _, rep := range snap.orders {
			if rep.Venue == "" {
				rep.Venue = v
			}
			rep.Symbol = domain.CanonicalSymbol(rep.Symbol)
			if lo, ok := byID[rep.ClientOrderID]; ok {
				r.reconcileMatched(ctx, res, lo, rep)
			} else {
				r.reconcileOrphan(ctx, res, snap.adapter, rep)
			}
		}
	}

	r.escalate(res)

	outcome := "clean"
	switch {
	case len(res.Mismatches) > 0:
		outcome = "mismatch"
	case len(res.VenuesFailed) > 0:
		outcome = "partial"
	}
	r.metrics.ReconciliationCycle(outcome)
	r.emit(domain.ReconciliationEvent{
		Type:    domain.EventCycleCompleted,
		Cycle:   cycle,
		Message: fmt.Sprintf("%s: %d local, %d venue orders, %d mismatches", outcome, res.LocalOrders, res.VenueOrders, len(res.Mismatches)),
	})
	r.logger.Info("reconciliation cycle completed",
		slog.Uint64("cycle", cycle),
		slog.String("outcome", outcome),
		slog.Int("mismatches", len(res.Mismatches)),
		slog.Int("orphans", res.Orphans),
		slog.Int("venues_failed", len(res.VenuesFailed)),
	)
	return nil
}

// queryVenues fetches open orders from every venue concurrently. Results
// keep adapter order.
func (r *Reconciler) queryVenues(ctx context.Context) []venueSnapshot {
	adapters := r.venues.Adapters()
	out := make([]venueSnapshot, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		out[i].adapter = a
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
			defer cancel()
			out[i].orders, out[i].err = a.GetOpenOrders(qctx, "")
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// escalate updates the consecutive-mismatch counter and freezes once it
// reaches the threshold. Only a clean cycle with every venue answering
// resets the counter.
func (r *Reconciler) escalate(res *CycleResult) {
	r.mu.Lock()
	switch {
	case len(res.Mismatches) > 0:
		r.consecutive++
	case len(res.VenuesFailed) == 0:
		r.consecutive = 0
	}
	n := r.consecutive
	freeze := n >= r.cfg.MaxMismatchesBeforeFreeze && !r.frozen
	r.mu.Unlock()

	if freeze {
		r.FreezeStrategy(fmt.Sprintf("%d consecutive reconciliation cycles with mismatches", n))
	}
}

// diff compares local state with the venue report.
func (r *Reconciler) diff(lo domain.LocalOrder, rep domain.ExecutionReport) []domain.FieldDiff {
	var out []domain.FieldDiff
	if lo.Status != rep.Status {
		out = append(out, domain.FieldDiff{Field: "status", Local: string(lo.Status), Venue: string(rep.Status)})
	}
	if math.Abs(lo.FilledQty-rep.FilledQty) > r.cfg.Tolerance {
		out = append(out, domain.FieldDiff{Field: "filled_qty", Local: fmtFloat(lo.FilledQty), Venue: fmtFloat(rep.FilledQty)})
	}
	if rep.FilledQty > 0 && math.Abs(lo.AvgPrice-rep.AvgPrice) > r.cfg.Tolerance {
		out = append(out, domain.FieldDiff{Field: "avg_price", Local: fmtFloat(lo.AvgPrice), Venue: fmtFloat(rep.AvgPrice)})
	}
	return out
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (r *Reconciler) mismatch(kind domain.MismatchKind, rep domain.ExecutionReport, fields []domain.FieldDiff) domain.StateMismatch {
	return domain.StateMismatch{
		ID:            uuid.NewString(),
		Kind:          kind,
		Venue:         rep.Venue,
		Symbol:        rep.Symbol,
		ClientOrderID: rep.ClientOrderID,
		Fields:        fields,
		DetectedAt:    r.now(),
	}
}

// reconcileMatched corrects a local order that disagrees with its venue.
// Extra venue fills are booked as a fill first, then the venue view
// overwrites local state.
func (r *Reconciler) reconcileMatched(ctx context.Context, res *CycleResult, lo domain.LocalOrder, rep domain.ExecutionReport) {
	fields := r.diff(lo, rep)
	if len(fields) == 0 {
		return
	}
	m := r.mismatch(domain.MismatchDiverged, rep, fields)
	res.Mismatches = append(res.Mismatches, m)
	r.metrics.Mismatch(string(rep.Venue), string(m.Kind))
	r.emit(domain.ReconciliationEvent{
		Type: domain.EventMismatch, Cycle: res.Cycle, Venue: rep.Venue, Mismatch: &m,
		Message: fmt.Sprintf("order %s diverged on %d field(s)", rep.ClientOrderID, len(fields)),
	})

	now := r.now()
	if delta := rep.FilledQty - lo.FilledQty; delta > r.cfg.Tolerance {
		price := rep.AvgPrice
		if implied := (rep.FilledQty*rep.AvgPrice - lo.FilledQty*lo.AvgPrice) / delta; implied > 0 {
			price = implied
		}
		if err := r.store.ApplyFill(ctx, rep.ClientOrderID, delta, price, now); err != nil {
			r.correctionFailed(res, rep, err)
			return
		}
	}
	if err := r.store.ApplyOrderUpdate(ctx, domain.UpdateFromReport(rep, now)); err != nil {
		r.correctionFailed(res, rep, err)
		return
	}
	res.Corrected++
	r.logger.Warn("local order corrected from venue",
		slog.String("venue", string(rep.Venue)),
		slog.String("client_order_id", rep.ClientOrderID),
		slog.String("status", string(rep.Status)),
		slog.Float64("filled_qty", rep.FilledQty),
	)
	r.emit(domain.ReconciliationEvent{
		Type: domain.EventOrderCorrected, Cycle: res.Cycle, Venue: rep.Venue, Mismatch: &m,
		Message: fmt.Sprintf("order %s set to %s filled %s", rep.ClientOrderID, rep.Status, fmtFloat(rep.FilledQty)),
	})
}

// reconcileOrphan adopts a venue order unknown locally and optionally
// cancels it.
func (r *Reconciler) reconcileOrphan(ctx context.Context, res *CycleResult, a domain.VenueAdapter, rep domain.ExecutionReport) {
	m := r.mismatch(domain.MismatchOrphaned, rep, nil)
	res.Mismatches = append(res.Mismatches, m)
	res.Orphans++
	r.metrics.Mismatch(string(rep.Venue), string(m.Kind))
	r.emit(domain.ReconciliationEvent{
		Type: domain.EventOrphan, Cycle: res.Cycle, Venue: rep.Venue, Mismatch: &m,
		Message: fmt.Sprintf("venue order %s unknown locally", rep.ClientOrderID),
	})

	if err := r.store.ApplyOrderUpdate(ctx, domain.UpdateFromReport(rep, r.now())); err != nil {
		r.correctionFailed(res, rep, err)
		return
	}
	if !r.cfg.CancelOrphans {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()
	cr, err := a.CancelOrder(cctx, domain.CancelRequest{
		Symbol:        rep.Venue.FormatSymbol(rep.Symbol),
		ClientOrderID: rep.ClientOrderID,
		VenueOrderID:  rep.VenueOrderID,
	})
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return
	case err != nil:
		r.correctionFailed(res, rep, fmt.Errorf("cancel orphan: %w", err))
		return
	}
	res.OrphansCancelled++
	if cr.Status != "" {
		if cr.Venue == "" {
			cr.Venue = rep.Venue
		}
		cr.Symbol = rep.Symbol
		if err := r.store.ApplyOrderUpdate(ctx, domain.UpdateFromReport(cr, r.now())); err != nil {
			r.correctionFailed(res, rep, fmt.Errorf("record cancelled orphan: %w", err))
		}
	}
	r.emit(domain.ReconciliationEvent{
		Type: domain.EventOrphanCancelled, Cycle: res.Cycle, Venue: rep.Venue, Mismatch: &m,
		Message: fmt.Sprintf("orphan %s cancelled", rep.ClientOrderID),
	})
}

func (r *Reconciler) correctionFailed(res *CycleResult, rep domain.ExecutionReport, err error) {
	res.CorrectionErrors++
	r.metrics.CorrectionFailed(string(rep.Venue))
	r.logger.Error("reconciliation correction failed",
		slog.String("venue", string(rep.Venue)),
		slog.String("client_order_id", rep.ClientOrderID),
		slog.String("error", err.Error()),
	)
	r.emit(domain.ReconciliationEvent{
		Type: domain.EventCorrectionFailed, Cycle: res.Cycle, Venue: rep.Venue,
		Message: fmt.Sprintf("order %s: %v", rep.ClientOrderID, err),
	})
}
