// Package memory provides in-process implementations of the order and audit
// stores for single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DefaultPendingWindow keeps terminal orders visible to reconciliation for
// an hour after their last update.
const DefaultPendingWindow = time.Hour

// OrderStore implements domain.OrderStore in memory.
type OrderStore struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*domain.LocalOrder
}

// NewOrderStore creates an empty store. A non-positive window uses
// DefaultPendingWindow.
func NewOrderStore(window time.Duration) *OrderStore {
	if window <= 0 {
		window = DefaultPendingWindow
	}
	return &OrderStore{
		window: window,
		now:    time.Now,
		orders: make(map[string]*domain.LocalOrder),
	}
}

// SetClock replaces the time source.
func (s *OrderStore) SetClock(now func() time.Time) { s.now = now }

// Put inserts or replaces an order as-is.
func (s *OrderStore) Put(o domain.LocalOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	s.orders[o.ClientOrderID] = &o
}

// ListPending returns open orders plus terminal orders updated within the
// pending window, oldest first. Terminal orders past the window are evicted.
func (s *OrderStore) ListPending(_ context.Context) ([]domain.LocalOrder, error) {
	cutoff := s.now().Add(-s.window)
	s.mu.Lock()
	out := make([]domain.LocalOrder, 0, len(s.orders))
	for id, o := range s.orders {
		if !o.Status.IsTerminal() || o.UpdatedAt.After(cutoff) {
			out = append(out, *o)
			continue
		}
		delete(s.orders, id)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out, nil
}

// ApplyOrderUpdate overwrites the order's state, inserting it when unknown.
// Identity fields left empty in u keep their stored value.
func (s *OrderStore) ApplyOrderUpdate(_ context.Context, u domain.OrderUpdate) error {
	if u.ClientOrderID == "" {
		return fmt.Errorf("memory: apply order update: %w: empty client order id", domain.ErrInvalidOrder)
	}
	ts := u.UpdatedAt
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[u.ClientOrderID]
	if !ok {
		o = &domain.LocalOrder{ClientOrderID: u.ClientOrderID, CreatedAt: ts}
		if id, err := domain.ParseClientOrderID(u.ClientOrderID); err == nil {
			o.Strategy = id.Strategy
		}
		s.orders[u.ClientOrderID] = o
	}
	setString(&o.VenueOrderID, u.VenueOrderID)
	if u.Venue != "" {
		o.Venue = u.Venue
	}
	setString(&o.Symbol, u.Symbol)
	if u.Side != "" {
		o.Side = u.Side
	}
	if u.Type != "" {
		o.Type = u.Type
	}
	if u.Quantity > 0 {
		o.Quantity = u.Quantity
	}
	if u.Price > 0 {
		o.Price = u.Price
	}
	o.Status = u.Status
	o.FilledQty = u.FilledQty
	o.AvgPrice = u.AvgPrice
	o.UpdatedAt = ts
	return nil
}

// Prune evicts terminal orders last updated before the pending window and
// returns how many were removed.
func (s *OrderStore) Prune() int {
	cutoff := s.now().Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, o := range s.orders {
		if o.Status.IsTerminal() && !o.UpdatedAt.After(cutoff) {
			delete(s.orders, id)
			removed++
		}
	}
	return removed
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyFill adds one fill to the order's cumulative quantity and average
// price and advances its status.
func (s *OrderStore) ApplyFill(_ context.Context, clientOrderID string, qty, price float64, ts time.Time) error {
	if qty <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("memory: apply fill %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	total := o.FilledQty + qty
	o.AvgPrice = (o.FilledQty*o.AvgPrice + qty*price) / total
	o.FilledQty = total
	switch {
	case o.Quantity > 0 && total >= o.Quantity-1e-12:
		o.Status = domain.OrderStatusFilled
	case !o.Status.IsTerminal():
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = ts
	return nil
}

// Get returns one order.
func (s *OrderStore) Get(_ context.Context, clientOrderID string) (domain.LocalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return domain.LocalOrder{}, fmt.Errorf("memory: get %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	return *o, nil
}

// Len returns the number of stored orders.
func (s *OrderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
