// Package server is the operator HTTP and websocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
	"github.com/alanyoungcy/venuerouter/internal/server/middleware"
	"github.com/alanyoungcy/venuerouter/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Market    *handler.MarketHandler
	Orders    *handler.OrderHandler
	Algos     *handler.AlgoHandler
	Reconcile *handler.ReconcileHandler
	Metrics   http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter, when not
// nil, shares the per-client request budget across instances; otherwise an
// in-process limiter is used.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           buildHandler(cfg, handlers, hub, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes builds the handler chain without a listener, for tests.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return buildHandler(cfg, handlers, hub, limiter, logger)
}

func buildHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if h := handlers.Market; h != nil {
		mux.HandleFunc("GET /api/venues", h.ListVenues)
		mux.HandleFunc("GET /api/books", h.ListSymbols)
		mux.HandleFunc("GET /api/books/{symbol}", h.GetBBO)
		mux.HandleFunc("GET /api/books/{symbol}/depth", h.GetDepth)
		mux.HandleFunc("GET /api/positions", h.ListPositions)
	}

	if h := handlers.Orders; h != nil {
		mux.HandleFunc("GET /api/orders", h.ListPending)
		mux.HandleFunc("POST /api/orders", h.PlaceOrder)
		mux.HandleFunc("POST /api/orders/route", h.Route)
		mux.HandleFunc("POST /api/orders/batch", h.PlaceBatch)
		mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
		mux.HandleFunc("GET /api/routing/analytics", h.Analytics)
		mux.HandleFunc("GET /api/routing/quality", h.VenueQuality)
	}

	if h := handlers.Algos; h != nil {
		mux.HandleFunc("GET /api/algos", h.ListAlgos)
		mux.HandleFunc("POST /api/algos", h.Submit)
		mux.HandleFunc("GET /api/algos/{id}", h.GetAlgo)
		mux.HandleFunc("POST /api/algos/{id}/{action}", h.Control)
	}

	if h := handlers.Reconcile; h != nil {
		mux.HandleFunc("GET /api/reconcile/status", h.Status)
		mux.HandleFunc("GET /api/reconcile/events", h.ListEvents)
		mux.HandleFunc("POST /api/reconcile/run", h.RunNow)
		mux.HandleFunc("POST /api/reconcile/freeze", h.Freeze)
		mux.HandleFunc("POST /api/reconcile/resume", h.Resume)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Innermost first: auth, rate limit, logging, CORS.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if cfg.RateLimit > 0 {
		if limiter != nil {
			h = middleware.RateLimit(limiter, cfg.RateLimit, time.Second)(h)
		} else {
			h = middleware.LocalRateLimit(float64(cfg.RateLimit), cfg.RateLimit)(h)
		}
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is done, then shuts down with a ten second grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
