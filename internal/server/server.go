// Package server assembles the HTTP and WebSocket API: market creation,
// resolution reads for the ledger callback, and the live event feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/middleware"
	"github.com/alanyoungcy/marketforge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// CreateRateLimit caps POST /api/markets per client per CreateRateWindow.
	CreateRateLimit  int
	CreateRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Events and
// Hub may be nil when no signal bus is configured.
type Handlers struct {
	Health      *handler.HealthHandler
	Markets     *handler.MarketHandler
	Resolutions *handler.ResolutionHandler
	Events      *handler.EventHandler
	Hub         *ws.Hub
}

// publicPaths are reachable without an API key. The ledger contract reads
// outcomes without credentials.
var publicPaths = []string{"/api/health", "/resolutions/"}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered. limiter may be
// nil, which disables the creation rate limit.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           Routes(cfg, h, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		// Creation waits for on-chain confirmation.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes builds the router and middleware chain.
func Routes(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	createLimit := middleware.RateLimit(limiter, "create", cfg.CreateRateLimit, cfg.CreateRateWindow, logger)
	mux.Handle("POST /api/markets", createLimit(http.HandlerFunc(h.Markets.CreateMarket)))
	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Markets.ResolveMarket)
	mux.HandleFunc("GET /api/sagas", h.Markets.ListPending)

	mux.HandleFunc("GET /resolutions", h.Resolutions.ListResolutions)
	mux.HandleFunc("GET /resolutions/{id}", h.Resolutions.GetResolution)
	mux.HandleFunc("GET /resolutions/{id}/outcome", h.Resolutions.Outcome)
	mux.HandleFunc("POST /api/resolutions/sweep", h.Resolutions.TriggerSweep)
	mux.HandleFunc("GET /api/resolutions/sweep", h.Resolutions.LastSweep)

	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.ListEvents)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, publicPaths...)(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
