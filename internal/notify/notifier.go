// Package notify sends operator alerts (strategy freezes, circuit breakers
// opening, venues dropping) to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Alert event types, usable in the configured event filter.
const (
	EventStrategyFrozen  = "strategy_frozen"
	EventStrategyResumed = "strategy_resumed"
	EventCircuitOpen     = "circuit_open"
	EventVenueDown       = "venue_down"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender. Repeats of the same alert key
// within the cooldown are dropped.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends an alert when event passes the filter and key is not in
// cooldown. key defaults to event.
func (n *Notifier) Notify(ctx context.Context, event, key, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	if key == "" {
		key = event
	}
	if !n.admit(key) {
		n.logger.DebugContext(ctx, "alert suppressed by cooldown", slog.String("key", key))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) admit(key string) bool {
	if n.cooldown <= 0 {
		return true
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.last[key]; ok && now.Sub(t) < n.cooldown {
		return false
	}
	n.last[key] = now
	return true
}

// StrategyFrozen alerts on a freeze or resume transition.
func (n *Notifier) StrategyFrozen(ctx context.Context, frozen bool, reason string) error {
	if frozen {
		return n.Notify(ctx, EventStrategyFrozen, "", "Trading frozen", reason)
	}
	return n.Notify(ctx, EventStrategyResumed, "", "Trading resumed", reason)
}

// CircuitOpened alerts that a venue's breaker tripped.
func (n *Notifier) CircuitOpened(ctx context.Context, venue domain.Venue, cause string) error {
	return n.Notify(ctx, EventCircuitOpen, EventCircuitOpen+":"+string(venue),
		fmt.Sprintf("Circuit open: %s", venue), cause)
}

// VenueDown alerts that a venue left the connected set.
func (n *Notifier) VenueDown(ctx context.Context, venue domain.Venue, state string) error {
	return n.Notify(ctx, EventVenueDown, EventVenueDown+":"+string(venue),
		fmt.Sprintf("Venue %s is %s", venue, state), "routing continues on the remaining venues")
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed", slog.String("sender", s.Name()), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
