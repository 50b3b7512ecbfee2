package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/algo"
	s3blob "github.com/alanyoungcy/venuerouter/internal/blob/s3"
	"github.com/alanyoungcy/venuerouter/internal/cache/redis"
	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/latency"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/reconcile"
	"github.com/alanyoungcy/venuerouter/internal/resilience"
	"github.com/alanyoungcy/venuerouter/internal/router"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
	"github.com/alanyoungcy/venuerouter/internal/server/ws"
	"github.com/alanyoungcy/venuerouter/internal/service"
	"github.com/alanyoungcy/venuerouter/internal/store/memory"
	"github.com/alanyoungcy/venuerouter/internal/store/postgres"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
)

// Dependencies bundles everything the modes run. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Collector

	// Venues
	Paper    []*paper.Exchange
	Feed     *paper.Feed
	Adapters []*resilience.Adapter

	// Core
	Coordinator *coordinator.Coordinator
	Router      *router.Router
	Algos       *algo.Manager
	Reconciler  *reconcile.Reconciler

	// Stores
	Orders domain.OrderStore
	Audit  domain.AuditStore

	// Redis, nil when disabled
	Redis       *redis.Client
	BBOCache    domain.BookCache
	Bus         *redis.EventBus
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter

	// Outer services
	Archiver  *s3blob.Archiver
	Notifier  *notify.Notifier
	Relay     *service.EventRelay
	Publisher *service.BookPublisher
	Hub       *ws.Hub

	// Checks are the readiness probes of the external services in use.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.BBOCache = redis.NewBBOCache(rc, cfg.Redis.BBOTTL.Duration)
		deps.Bus = redis.NewEventBus(rc)
		deps.Locks = redis.NewLockManager(rc)
		// The fallback policy is the per-venue budget shared pacers wait on;
		// HTTP limiting passes its own limit to Allow.
		deps.RateLimiter = redis.NewRateLimiter(rc, redis.Policy{
			Limit:  max(1, int(math.Ceil(cfg.Resilience.RatePerSecond))),
			Window: time.Second,
		})
		deps.Checks["redis"] = rc.Ping
	}

	// --- Stores: PostgreSQL when enabled, otherwise in memory ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.ConnLifetime.Duration,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}
		deps.Orders = postgres.NewOrderStore(pg.Pool(), cfg.Reconcile.PendingWindow.Duration)
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Checks["postgres"] = pg.Ping
	} else {
		deps.Orders = memory.NewOrderStore(cfg.Reconcile.PendingWindow.Duration)
		deps.Audit = memory.NewAuditStore(cfg.Reconcile.HistorySize)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Checks["s3"] = sc.Health
		if cfg.Archive.Enabled {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Audit, cfg.Archive.Prefix, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	// --- Core ---
	strategy, err := coordinator.ParseStrategy(cfg.Coordinator.Strategy)
	if err != nil {
		return fail("wire: coordinator: %w", err)
	}
	venueCfgs, err := enabledVenues(cfg.Venues)
	if err != nil {
		return fail("wire: venues: %w", err)
	}
	weights := make(map[domain.Venue]float64, len(venueCfgs))
	fees := make(map[domain.Venue]router.VenueFees, len(venueCfgs))
	minSizes := make(map[domain.Venue]float64, len(venueCfgs))
	for _, vc := range venueCfgs {
		weights[vc.venue] = vc.Weight
		fees[vc.venue] = router.VenueFees{Maker: vc.MakerFee, Taker: vc.TakerFee}
		minSizes[vc.venue] = vc.MinOrderSize
	}

	coord := coordinator.New(coordinator.Config{
		Strategy:            strategy,
		BalancedPriceWeight: cfg.Coordinator.BalancedPriceWeight,
		VenueWeights:        weights,
		BookMaxAge:          cfg.Coordinator.BookMaxAge.Duration,
		LatencyThreshold:    cfg.Coordinator.LatencyThreshold.Duration,
		Latency: latency.Config{
			WindowSize:     cfg.Coordinator.LatencyWindowSize,
			WindowDuration: cfg.Coordinator.LatencyWindow.Duration,
		},
		HealthInterval: cfg.Coordinator.HealthInterval.Duration,
	}, deps.Metrics, logger)
	closers = append(closers, func() { _ = coord.Close() })
	deps.Coordinator = coord
	deps.Algos = algo.NewManager(coord, deps.Metrics, logger)

	// Executions and status fan out through the relay. With Redis the bus
	// carries them to every instance's websocket hub; without it the local
	// hub is the publisher.
	var pub service.Publisher
	if deps.Bus != nil {
		pub = deps.Bus
	}
	if cfg.Server.Enabled {
		var bus domain.EventBus
		if deps.Bus != nil {
			bus = deps.Bus
		}
		deps.Hub = ws.NewHub(bus, ws.Config{
			AllowedOrigins: cfg.Server.CORSOrigins,
			Status:         statusFunc(cfg, coord, deps.Algos),
		}, logger)
		if pub == nil {
			pub = deps.Hub
		}
	}
	relayDeps := service.RelayDeps{
		Orders:    deps.Orders,
		Audit:     deps.Audit,
		Publisher: pub,
		Fills:     deps.Algos,
		Freezer:   deps.Algos,
		Notifier:  deps.Notifier,
		Metrics:   deps.Metrics,
	}
	if deps.Bus != nil {
		relayDeps.Streams = deps.Bus
	}
	deps.Relay = service.NewEventRelay(relayDeps, logger)

	// --- Venues ---
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, domain.CanonicalSymbol(s))
	}
	relay, m := deps.Relay, deps.Metrics
	onCircuit := func(v domain.Venue, from, to resilience.CircuitState) {
		m.CircuitState(string(v), circuitLevel(to))
		relay.HandleCircuitChange(v, from, to)
	}
	for _, vc := range venueCfgs {
		ex := paper.New(paper.Config{
			Venue:    vc.venue,
			Latency:  vc.Latency.Duration,
			Balances: vc.Balances,
			MakerFee: vc.MakerFee,
			TakerFee: vc.TakerFee,
		})
		ex.OnReport(func(r domain.ExecutionReport) { coord.HandleExecutionReport(r) })
		deps.Paper = append(deps.Paper, ex)

		rcfg := resilience.Config{
			Breaker: resilience.BreakerConfig{
				FailureThreshold: cfg.Resilience.FailureThreshold,
				SuccessThreshold: cfg.Resilience.SuccessThreshold,
				OpenTimeout:      cfg.Resilience.OpenTimeout.Duration,
			},
			Retry: resilience.RetryPolicy{
				MaxAttempts:    cfg.Resilience.MaxAttempts,
				InitialBackoff: cfg.Resilience.InitialBackoff.Duration,
				MaxBackoff:     cfg.Resilience.MaxBackoff.Duration,
				Multiplier:     2,
				Jitter:         0.1,
			},
			CallTimeout:   cfg.Resilience.CallTimeout.Duration,
			OnStateChange: onCircuit,
		}
		switch {
		case cfg.Resilience.RatePerSecond <= 0:
		case cfg.Resilience.SharedRateLimit && deps.RateLimiter != nil:
			rcfg.Pacer = resilience.NewSharedPacer(deps.RateLimiter, vc.venue)
		default:
			rcfg.Pacer = resilience.NewLocalPacer(cfg.Resilience.RatePerSecond, cfg.Resilience.RateBurst)
		}
		wrapped := resilience.Wrap(ex, rcfg, logger)
		deps.Adapters = append(deps.Adapters, wrapped)
		coord.RegisterAdapter(wrapped)
	}
	deps.Feed = paper.NewFeed(paper.FeedConfig{
		StartPrices:   canonicalPrices(cfg.Paper.StartPrices),
		VolatilityBps: cfg.Paper.VolatilityBps,
		SpreadBps:     cfg.Paper.SpreadBps,
		Levels:        cfg.Paper.Levels,
		LevelQty:      cfg.Paper.LevelQty,
	}, symbols, deps.Paper, logger)
	for _, s := range symbols {
		coord.Book(s)
	}

	deps.Router = router.New(coord, router.Config{
		Weights: router.Weights{
			Price:       cfg.Router.PriceWeight,
			Fee:         cfg.Router.FeeWeight,
			Latency:     cfg.Router.LatencyWeight,
			Liquidity:   cfg.Router.LiquidityWeight,
			Reliability: cfg.Router.ReliabilityWeight,
		},
		Fees:              fees,
		DefaultTakerFee:   cfg.Router.DefaultTakerFee,
		MinOrderSize:      minSizes,
		MaxSingleVenuePct: cfg.Router.MaxSingleVenuePct,
		QualityWindow:     cfg.Router.QualityWindow,
	}, deps.Metrics, logger)

	deps.Reconciler = reconcile.New(coord, deps.Orders, reconcile.Config{
		Interval:                  cfg.Reconcile.Interval.Duration,
		MaxMismatchesBeforeFreeze: cfg.Reconcile.MaxMismatchesBeforeFreeze,
		CancelOrphans:             cfg.Reconcile.CancelOrphans,
		Tolerance:                 cfg.Reconcile.Tolerance,
		HistorySize:               cfg.Reconcile.HistorySize,
		QueryTimeout:              cfg.Reconcile.QueryTimeout.Duration,
		LockTTL:                   cfg.Reconcile.LockTTL.Duration,
	}, deps.Metrics, logger)
	if deps.Locks != nil {
		deps.Reconciler.SetLockManager(deps.Locks)
	}

	coord.OnExecution(relay.HandleExecution)
	coord.OnStatus(relay.HandleStatus)
	deps.Reconciler.OnEvent(relay.HandleReconciliation)
	deps.Reconciler.OnFreeze(relay.HandleFreeze)

	deps.Publisher = service.NewBookPublisher(coord, service.BookPublisherDeps{
		Cache:     deps.BBOCache,
		Publisher: pub,
		Positions: coord.Positions(),
		Algos:     deps.Algos,
	}, logger)

	return deps, cleanup, nil
}

type venueConfig struct {
	config.VenueConfig
	venue domain.Venue
}

func enabledVenues(in []config.VenueConfig) ([]venueConfig, error) {
	var out []venueConfig
	for _, vc := range in {
		if !vc.Enabled {
			continue
		}
		if vc.Kind != "paper" {
			return nil, fmt.Errorf("venue %s: unsupported kind %q", vc.Name, vc.Kind)
		}
		v, err := domain.ParseVenue(vc.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, venueConfig{VenueConfig: vc, venue: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled venues")
	}
	return out, nil
}

func canonicalPrices(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[domain.CanonicalSymbol(k)] = v
	}
	return out
}

func circuitLevel(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitOpen:
		return 2
	case resilience.CircuitHalfOpen:
		return 1
	}
	return 0
}

// statusFunc is the first message every websocket client receives.
func statusFunc(cfg *config.Config, coord *coordinator.Coordinator, algos *algo.Manager) func() any {
	started := time.Now().UTC()
	return func() any {
		venues := coord.ConnectedVenues()
		names := make([]string, len(venues))
		for i, v := range venues {
			names[i] = string(v)
		}
		return map[string]any{
			"mode":             strings.ToLower(cfg.Mode),
			"strategy":         coord.Strategy(),
			"connected_venues": names,
			"symbols":          coord.Symbols(),
			"algorithms":       len(algos.List()),
			"frozen":           algos.Frozen(),
			"started_at":       started,
		}
	}
}
