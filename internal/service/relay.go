// Package service connects the routing core to the outer world: it caches
// and publishes books and relays executions, venue health and
// reconciliation events to storage, the event bus and operators.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/resilience"
)

const (
	relayQueueSize    = 4096
	drainTimeout      = 5 * time.Second
	storeWriteTimeout = 5 * time.Second
)

// Publisher fans a payload out on a named channel. Both the Redis event bus
// and the websocket hub satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Streamer appends to a durable stream.
type Streamer interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// FillSink receives execution reports synchronously, e.g. the algorithm
// manager.
type FillSink interface {
	OnFill(r domain.ExecutionReport) bool
}

// Freezer blocks and unblocks new strategy activity.
type Freezer interface {
	SetFrozen(frozen bool)
}

// RelayDeps are the relay's optional collaborators; nil fields are skipped.
type RelayDeps struct {
	Orders    domain.OrderStore
	Audit     domain.AuditStore
	Publisher Publisher
	Streams   Streamer
	Fills     FillSink
	Freezer   Freezer
	Notifier  *notify.Notifier
	Metrics   *metrics.Collector
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// EventRelay forwards core events. Producers call the Handle methods on
// their own goroutines. Order-store writes and in-memory consumers run
// inline, so an order is recorded before its placement returns. Fan-out I/O
// is queued for a single worker; when the queue is full jobs are dropped
// and counted.
type EventRelay struct {
	deps   RelayDeps
	logger *slog.Logger

	queue   chan job
	dropped atomic.Int64

	mu         sync.Mutex
	lastStates map[domain.Venue]coordinator.ExchangeState
}

// NewEventRelay creates a relay.
func NewEventRelay(deps RelayDeps, logger *slog.Logger) *EventRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRelay{
		deps:       deps,
		logger:     logger.With(slog.String("component", "event_relay")),
		queue:      make(chan job, relayQueueSize),
		lastStates: make(map[domain.Venue]coordinator.ExchangeState),
	}
}

// Dropped returns how many jobs were dropped on a full queue.
func (r *EventRelay) Dropped() int64 { return r.dropped.Load() }

func (r *EventRelay) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case r.queue <- job{name: name, fn: fn}:
	default:
		r.deps.Metrics.RelayDropped(name)
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("relay queue full, dropping", slog.String("job", name), slog.Int64("dropped", n))
		}
	}
}

// Run executes queued jobs until ctx is done, then drains what is left
// with a short deadline.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case j := <-r.queue:
			r.exec(ctx, j)
		}
	}
}

func (r *EventRelay) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, drainTimeout)
	defer cancel()
	for {
		select {
		case j := <-r.queue:
			r.exec(ctx, j)
		default:
			return
		}
	}
}

func (r *EventRelay) exec(ctx context.Context, j job) {
	if err := j.fn(ctx); err != nil {
		r.logger.Warn("relay job failed", slog.String("job", j.name), slog.String("error", err.Error()))
	}
}

func (r *EventRelay) publish(ctx context.Context, channel, stream string, v any) error {
	if r.deps.Publisher == nil && (r.deps.Streams == nil || stream == "") {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.Publish(ctx, channel, payload); err != nil {
			return err
		}
	}
	if r.deps.Streams != nil && stream != "" {
		return r.deps.Streams.StreamAppend(ctx, stream, payload)
	}
	return nil
}

// HandleExecution is a coordinator.ExecutionHandler. The order store is
// updated before it returns so reconciliation never sees a placed order as
// a venue orphan.
func (r *EventRelay) HandleExecution(_ domain.Venue, rep domain.ExecutionReport) {
	if r.deps.Orders != nil && rep.ClientOrderID != "" {
		ts := rep.ReceivedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		err := r.deps.Orders.ApplyOrderUpdate(ctx, domain.UpdateFromReport(rep, ts))
		cancel()
		if err != nil {
			r.logger.Error("order store update failed",
				slog.String("client_order_id", rep.ClientOrderID),
				slog.String("status", string(rep.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.deps.Fills != nil {
		r.deps.Fills.OnFill(rep)
	}
	r.enqueue("execution", func(ctx context.Context) error {
		return r.publish(ctx, domain.ChannelExecutions, domain.StreamExecutions, rep)
	})
}

// HandleStatus is a coordinator.StatusHandler. Operators are alerted when
// a venue becomes disconnected.
func (r *EventRelay) HandleStatus(st coordinator.ExchangeStatus) {
	r.mu.Lock()
	prev, seen := r.lastStates[st.Venue]
	r.lastStates[st.Venue] = st.State
	r.mu.Unlock()
	changed := !seen || prev != st.State

	r.enqueue("venue_status", func(ctx context.Context) error {
		if changed && st.State == coordinator.StateDisconnected {
			_ = r.deps.Notifier.VenueDown(ctx, st.Venue, string(st.State))
		}
		return r.publish(ctx, domain.ChannelVenueStatus, "", st)
	})
}

// HandleReconciliation is a reconcile.EventFunc.
func (r *EventRelay) HandleReconciliation(ev domain.ReconciliationEvent) {
	r.enqueue("reconciliation_event", func(ctx context.Context) error {
		if r.deps.Audit != nil {
			if err := r.deps.Audit.Log(ctx, ev); err != nil {
				return err
			}
		}
		return r.publish(ctx, domain.ChannelReconciliation, domain.StreamReconciliation, ev)
	})
}

// HandleFreeze is a reconcile.FreezeFunc. The freeze applies immediately;
// the alert is queued.
func (r *EventRelay) HandleFreeze(frozen bool, reason string) {
	if r.deps.Freezer != nil {
		r.deps.Freezer.SetFrozen(frozen)
	}
	r.enqueue("freeze_alert", func(ctx context.Context) error {
		return r.deps.Notifier.StrategyFrozen(ctx, frozen, reason)
	})
}

// HandleCircuitChange is a resilience.StateChangeFunc.
func (r *EventRelay) HandleCircuitChange(venue domain.Venue, from, to resilience.CircuitState) {
	r.logger.Warn("circuit state changed",
		slog.String("venue", string(venue)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if to != resilience.CircuitOpen {
		return
	}
	r.enqueue("circuit_alert", func(ctx context.Context) error {
		return r.deps.Notifier.CircuitOpened(ctx, venue, "consecutive venue failures, calls short-circuited")
	})
}
