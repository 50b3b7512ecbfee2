package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// AuditStore implements domain.AuditStore as a bounded in-memory log.
type AuditStore struct {
	limit int

	mu     sync.Mutex
	events []domain.ReconciliationEvent
}

// NewAuditStore keeps at most limit events; zero means unbounded.
func NewAuditStore(limit int) *AuditStore {
	return &AuditStore{limit: limit}
}

// Log appends an event, dropping the oldest once full.
func (s *AuditStore) Log(_ context.Context, ev domain.ReconciliationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = append(s.events[:0:0], s.events[len(s.events)-s.limit:]...)
	}
	return nil
}

// List returns events oldest first, filtered by time and paginated.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.ReconciliationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReconciliationEvent
	skipped := 0
	for _, ev := range s.events {
		if opts.Since != nil && ev.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !ev.Timestamp.Before(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
