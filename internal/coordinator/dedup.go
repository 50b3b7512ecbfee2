package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Dedup suppresses execution reports that were already processed within a
// time-to-live window. Venues may acknowledge the same state twice (REST
// response plus stream push, or a reconnect replay), and processing both
// would double count fills. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // report fingerprint -> last seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a report as a duplicate if an
// identical one was seen within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Fingerprint identifies a report by order, status and cumulative fill.
func Fingerprint(r domain.ExecutionReport) string {
	return fmt.Sprintf("%s|%s|%s|%s|%.10g", r.Venue, r.ClientOrderID, r.VenueOrderID, r.Status, r.FilledQty)
}

// IsDuplicate returns true if the report has been seen within the TTL
// window. Otherwise it is recorded and false is returned.
func (d *Dedup) IsDuplicate(r domain.ExecutionReport) bool {
	key := Fingerprint(r)
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}
