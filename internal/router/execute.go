package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Allocation is one venue's share of a split order.
type Allocation struct {
	Venue    domain.Venue `json:"venue"`
	Quantity float64      `json:"quantity"`
	Price    float64      `json:"price"`
	Score    float64      `json:"score"`
}

// SplitPlan is the result of SplitOrder. Unallocated is the quantity no
// venue could take within its caps.
type SplitPlan struct {
	Symbol      string           `json:"symbol"`
	Side        domain.OrderSide `json:"side"`
	Quantity    float64          `json:"quantity"`
	Allocations []Allocation     `json:"allocations"`
	Unallocated float64          `json:"unallocated"`
}

const qtyEpsilon = 1e-12

// SplitOrder allocates qty across venues in score order. Each venue gets at
// most maxPct of qty and LiquidityCapPct of its visible top-of-book size;
// allocations below the venue's minimum order size are skipped. A maxPct
// outside (0,1] uses the configured MaxSingleVenuePct.
func (r *Router) SplitOrder(symbol string, side domain.OrderSide, qty, maxPct float64) (SplitPlan, error) {
	if maxPct <= 0 || maxPct > 1 {
		maxPct = r.cfg.MaxSingleVenuePct
	}
	plan := SplitPlan{Symbol: domain.CanonicalSymbol(symbol), Side: side, Quantity: qty, Unallocated: qty}
	if qty <= 0 {
		return plan, fmt.Errorf("router: split %s: %w: quantity must be positive", plan.Symbol, domain.ErrInvalidOrder)
	}

	scores := r.ScoreVenues(symbol, side, qty)
	perVenue := maxPct * qty
	remaining := qty
	for _, s := range scores {
		if remaining <= qtyEpsilon {
			break
		}
		alloc := min(perVenue, LiquidityCapPct*s.AvailableQty, remaining)
		if alloc <= 0 || alloc < r.minOrderSize(s.Venue) {
			continue
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			Venue: s.Venue, Quantity: alloc, Price: s.QuotePrice, Score: s.Total,
		})
		remaining -= alloc
	}
	plan.Unallocated = max(remaining, 0)
	if len(plan.Allocations) == 0 {
		return plan, fmt.Errorf("router: split %s: no venue can take an allocation: %w", plan.Symbol, domain.ErrNoVenue)
	}
	return plan, nil
}

// ExecuteOrder routes req to the best venue and falls back down the ranking
// on transport failures. A venue rejection is returned without fallback.
func (r *Router) ExecuteOrder(ctx context.Context, req domain.OrderRequest) (domain.ExecutionReport, error) {
	decision, err := r.RouteOrder(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("router: execute: %w", err)
	}

	expected := make(map[domain.Venue]float64, len(decision.Scores))
	for _, s := range decision.Scores {
		expected[s.Venue] = s.QuotePrice
	}

	var errs []error
	for _, v := range append([]domain.Venue{decision.Venue}, decision.Fallbacks...) {
		start := time.Now()
		rep, err := r.coord.PlaceOrder(ctx, req, v)
		if err == nil {
			r.RecordExecution(v, rep, expectedPrice(req, expected[v]), time.Since(start))
			return rep, nil
		}
		r.RecordFailure(v, err)
		errs = append(errs, err)

		if domain.Classify(err) == domain.ClassRejection {
			return domain.ExecutionReport{}, fmt.Errorf("router: execute on %s: %w", v, err)
		}
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("venue failed, trying fallback",
			slog.String("venue", string(v)),
			slog.String("symbol", decision.Symbol),
			slog.String("error", err.Error()),
		)
	}
	return domain.ExecutionReport{}, fmt.Errorf("router: execute %s: all venues failed: %w", decision.Symbol, errors.Join(errs...))
}

func expectedPrice(req domain.OrderRequest, quote float64) float64 {
	if req.Type == domain.OrderTypeLimit && req.Price > 0 {
		return req.Price
	}
	return quote
}

// SplitResult is the outcome of ExecuteSplit.
type SplitResult struct {
	Plan    SplitPlan                `json:"plan"`
	Reports []domain.ExecutionReport `json:"reports"`
}

// FilledQty sums the filled quantity across child reports.
func (s SplitResult) FilledQty() float64 {
	var q float64
	for _, r := range s.Reports {
		q += r.FilledQty
	}
	return q
}

// ExecuteSplit splits req and submits the children concurrently. Children
// that succeed are returned even when others fail.
func (r *Router) ExecuteSplit(ctx context.Context, req domain.OrderRequest, maxPct float64) (SplitResult, error) {
	plan, err := r.SplitOrder(req.Symbol, req.Side, req.Quantity, maxPct)
	if err != nil {
		return SplitResult{Plan: plan}, err
	}

	var (
		mu      sync.Mutex
		reports []domain.ExecutionReport
		errs    []error
	)
	var g errgroup.Group
	for _, a := range plan.Allocations {
		child := req
		child.ClientOrderID = ""
		child.Quantity = a.Quantity
		g.Go(func() error {
			start := time.Now()
			rep, err := r.coord.PlaceOrder(ctx, child, a.Venue)
			if err != nil {
				r.RecordFailure(a.Venue, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", a.Venue, err))
				mu.Unlock()
				return nil
			}
			r.RecordExecution(a.Venue, rep, expectedPrice(child, a.Price), time.Since(start))
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := SplitResult{Plan: plan, Reports: reports}
	if len(errs) > 0 {
		return res, fmt.Errorf("router: split execute %s: %w", plan.Symbol, errors.Join(errs...))
	}
	return res, nil
}

// BatchResult is the outcome of ExecuteBatch. Reports and Errors are
// indexed like the input; Stopped is set when an atomic batch aborted.
type BatchResult struct {
	Reports   []domain.ExecutionReport `json:"reports"`
	Errors    []error                  `json:"-"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Stopped   bool                     `json:"stopped"`
}

// ExecuteBatch executes reqs in order. With atomic set the batch stops at
// the first failure and already-resting orders are cancelled. Orders
// already filled are not unwound.
func (r *Router) ExecuteBatch(ctx context.Context, reqs []domain.OrderRequest, atomic bool) BatchResult {
	res := BatchResult{
		Reports: make([]domain.ExecutionReport, len(reqs)),
		Errors:  make([]error, len(reqs)),
	}
	for i, req := range reqs {
		rep, err := r.ExecuteOrder(ctx, req)
		if err == nil && rep.Status == domain.OrderStatusRejected {
			err = fmt.Errorf("router: batch order %d: %w: %s", i, domain.ErrRejected, rep.Reason)
		}
		res.Reports[i] = rep
		if err != nil {
			res.Errors[i] = err
			res.Failed++
			if atomic {
				res.Stopped = true
				r.unwind(ctx, res.Reports[:i])
				break
			}
			continue
		}
		res.Succeeded++
	}
	return res
}

// unwind cancels open orders left by an aborted atomic batch.
func (r *Router) unwind(ctx context.Context, reports []domain.ExecutionReport) {
	for _, rep := range reports {
		if !rep.Status.IsOpen() {
			continue
		}
		_, err := r.coord.CancelOrder(ctx, domain.CancelRequest{
			Symbol: rep.Symbol, ClientOrderID: rep.ClientOrderID, VenueOrderID: rep.VenueOrderID,
		}, rep.Venue)
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			r.logger.Error("batch unwind cancel failed",
				slog.String("venue", string(rep.Venue)),
				slog.String("client_order_id", rep.ClientOrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}
