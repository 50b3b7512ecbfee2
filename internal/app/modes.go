package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/server"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
)

// FullMode runs the whole router: venues and market data, order routing,
// execution algorithms, reconciliation, the archive schedule and the
// operator API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Int("venues", len(deps.Adapters)),
		slog.String("strategy", string(deps.Coordinator.Strategy())),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startVenues(ctx, g, deps)

	g.Go(func() error {
		return deps.Relay.Run(ctx)
	})
	g.Go(func() error {
		return deps.Publisher.Run(ctx, a.cfg.Coordinator.BookRefresh.Duration)
	})
	g.Go(func() error {
		return deps.Algos.Run(ctx, a.cfg.Algo.TickInterval.Duration)
	})

	if a.cfg.Reconcile.Enabled {
		g.Go(func() error {
			return deps.Reconciler.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "reconciliation disabled; venue state is not checked against local orders")
	}

	if err := a.startArchive(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, true)
	}

	return g.Wait()
}

// ReconcileMode only watches: venues stay connected and the reconciler runs,
// but the API exposes no order or algorithm endpoints.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode",
		slog.Duration("interval", a.cfg.Reconcile.Interval.Duration),
		slog.Int("max_mismatches_before_freeze", a.cfg.Reconcile.MaxMismatchesBeforeFreeze),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startVenues(ctx, g, deps)

	g.Go(func() error {
		return deps.Relay.Run(ctx)
	})
	g.Go(func() error {
		return deps.Reconciler.Run(ctx)
	})

	if err := a.startArchive(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, false)
	}

	return g.Wait()
}

// startVenues connects every venue and starts the paper market, the health
// loop and the periodic book refresh.
func (a *App) startVenues(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	deps.Feed.Step()
	if err := deps.Coordinator.ConnectAll(ctx); err != nil {
		// The health loop keeps reporting the venue; routing skips it.
		a.logger.WarnContext(ctx, "some venues failed to connect", slog.String("error", err.Error()))
	}

	g.Go(func() error {
		return deps.Feed.Run(ctx, a.cfg.Paper.Interval.Duration)
	})
	g.Go(func() error {
		return deps.Coordinator.Run(ctx)
	})
	g.Go(func() error {
		return a.refreshBooks(ctx, deps.Coordinator)
	})
	if p, ok := deps.Orders.(pruner); ok {
		g.Go(func() error {
			return a.pruneOrders(ctx, p)
		})
	}
}

// pruner is an order store that holds finished orders in process memory.
type pruner interface {
	Prune() int
}

const orderPruneInterval = time.Minute

func (a *App) pruneOrders(ctx context.Context, p pruner) error {
	ticker := time.NewTicker(orderPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.Prune(); n > 0 {
				a.logger.DebugContext(ctx, "finished orders evicted", slog.Int("count", n))
			}
		}
	}
}

func (a *App) refreshBooks(ctx context.Context, coord *coordinator.Coordinator) error {
	ticker := time.NewTicker(a.cfg.Coordinator.BookRefresh.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range coord.Symbols() {
				if err := coord.RefreshBooks(ctx, sym, a.cfg.Coordinator.BookDepth); err != nil && ctx.Err() == nil {
					a.logger.DebugContext(ctx, "book refresh incomplete",
						slog.String("symbol", sym),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// startArchive resumes the archive watermark and schedules exports. It is a
// no-op without an archiver.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return nil
	}
	if err := deps.Archiver.Resume(ctx); err != nil {
		a.logger.WarnContext(ctx, "archive: resume watermark failed, exporting from the start",
			slog.String("error", err.Error()),
		)
	}

	c := cron.New()
	_, err := c.AddFunc(a.cfg.Archive.Cron, func() {
		res, err := deps.Archiver.Archive(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			return
		}
		a.logger.InfoContext(ctx, "archive run complete",
			slog.String("path", res.Path),
			slog.Int("events", res.Count),
		)
	})
	if err != nil {
		return fmt.Errorf("app: archive schedule %q: %w", a.cfg.Archive.Cron, err)
	}

	g.Go(func() error {
		c.Start()
		a.logger.InfoContext(ctx, "archive scheduled", slog.String("cron", a.cfg.Archive.Cron))
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	return nil
}

// startHTTPServer adds the API server and websocket hub to g. Without
// trading the order and algorithm endpoints are left out.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, trading bool) {
	coord := deps.Coordinator
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Market:    handler.NewMarketHandler(coord, a.logger),
		Reconcile: handler.NewReconcileHandler(deps.Reconciler, deps.Audit, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}
	if trading {
		handlers.Orders = handler.NewOrderHandler(deps.Router, coord, deps.Orders, deps.Reconciler.IsStrategyFrozen, a.logger)
		handlers.Algos = handler.NewAlgoHandler(deps.Algos, deps.Router, handler.AlgoDefaults{
			LimitOffsetBps:    a.cfg.Algo.LimitOffsetBps,
			TWAPRandomization: a.cfg.Algo.TWAPRandomization,
			VWAPProfile:       a.cfg.Algo.VWAPProfile,
		}, a.logger)
	}

	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, deps.Hub, deps.RateLimiter, a.logger)

	if deps.Hub != nil {
		g.Go(func() error {
			return deps.Hub.Run(ctx)
		})
	}
	g.Go(func() error {
		return srv.Run(ctx)
	})
}
