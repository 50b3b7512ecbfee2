package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/algo"
	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// BookSource is the aggregated view the publisher reads.
type BookSource interface {
	Symbols() []string
	AggregatedBBO(symbol string) book.AggregatedBBO
}

// Marker marks open positions to market.
type Marker interface {
	Mark(symbol string, price float64, ts time.Time)
}

// MarketDataSink receives mid prices, e.g. the algorithm manager.
type MarketDataSink interface {
	OnMarketData(md algo.MarketData)
}

// BookPublisherDeps are optional collaborators; nil fields are skipped.
type BookPublisherDeps struct {
	Cache     domain.BookCache
	Publisher Publisher
	Positions Marker
	Algos     MarketDataSink
}

// BookPublisher periodically pushes every symbol's aggregated BBO to the
// cache and bus, marks positions and feeds algorithms the mid.
type BookPublisher struct {
	src    BookSource
	deps   BookPublisherDeps
	logger *slog.Logger
	now    func() time.Time
}

// NewBookPublisher creates a BookPublisher.
func NewBookPublisher(src BookSource, deps BookPublisherDeps, logger *slog.Logger) *BookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookPublisher{
		src:    src,
		deps:   deps,
		logger: logger.With(slog.String("component", "book_publisher")),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (p *BookPublisher) SetClock(now func() time.Time) { p.now = now }

// PublishOnce handles every symbol once. Symbols without a two-sided book
// are skipped. Errors are joined; one failing symbol does not stop the
// rest.
func (p *BookPublisher) PublishOnce(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	now := p.now()
	for _, sym := range p.src.Symbols() {
		bbo := p.src.AggregatedBBO(sym)
		if bbo.Mid <= 0 {
			continue
		}
		if bbo.Timestamp.IsZero() {
			bbo.Timestamp = now
		}
		n++

		if p.deps.Positions != nil {
			p.deps.Positions.Mark(sym, bbo.Mid, bbo.Timestamp)
		}
		if p.deps.Algos != nil {
			p.deps.Algos.OnMarketData(algo.MarketData{Symbol: sym, Price: bbo.Mid, Timestamp: bbo.Timestamp})
		}
		snap := bbo.Snapshot()
		if p.deps.Cache != nil {
			if err := p.deps.Cache.SetBBO(ctx, snap); err != nil {
				errs = append(errs, err)
			}
		}
		if p.deps.Publisher != nil {
			payload, err := json.Marshal(snap)
			if err != nil {
				errs = append(errs, fmt.Errorf("service: marshal bbo %s: %w", sym, err))
				continue
			}
			if err := p.deps.Publisher.Publish(ctx, domain.ChannelBBOPrefix+sym, payload); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return n, errors.Join(errs...)
}

// Run publishes every interval until ctx is done.
func (p *BookPublisher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.logger.Warn("book publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
