package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dennisdiepolder/monti/wallboard/internal/api"
	"github.com/dennisdiepolder/monti/wallboard/internal/config"
	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/events"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/performance"
	"github.com/dennisdiepolder/monti/wallboard/internal/presence"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/transition"
	"github.com/dennisdiepolder/monti/wallboard/internal/websocket"
	"github.com/dennisdiepolder/monti/wallboard/pkg/middleware"
)

const serviceName = "agent-wallboard"

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("dynamo_mode", string(cfg.Storage.Dynamo.Mode)).
		Bool("postgres_calls", cfg.Storage.CallStoreDSN != "").
		Dur("dashboard_interval", cfg.DashboardInterval).
		Msg("starting agent wallboard server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Stores
	agents, err := storage.NewAgentStore(ctx, cfg.Storage.Dynamo, logger)
	if err != nil {
		return fmt.Errorf("agent store: %w", err)
	}
	calls, err := storage.NewCallStore(ctx, cfg.Storage.CallStoreDSN, logger)
	if err != nil {
		return fmt.Errorf("call store: %w", err)
	}
	if closer, ok := calls.(io.Closer); ok {
		defer closer.Close()
	}

	// Core components
	bus := events.NewBus(logger)
	guard := transition.NewGuard(agents, cfg.Transitions, bus, cfg.StoreTimeout, logger)
	aggregator := performance.NewAggregator(agents, calls, cfg.StoreTimeout, logger)
	broadcaster := dashboard.NewBroadcaster(agents, bus, dashboard.Config{
		Interval:     cfg.DashboardInterval,
		StoreTimeout: cfg.StoreTimeout,
		EventBuffer:  cfg.EventBuffer,
	}, logger)
	tracker := presence.NewTracker(agents, bus, broadcaster, cfg.StoreTimeout, logger)

	// Sessions from a previous process are gone
	if _, err := tracker.ResetStale(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to reset stale online agents")
	}

	hub := websocket.NewHub(bus, tracker, guard, cfg.EventBuffer, logger)

	handlers := &api.Handlers{
		Agents:      api.NewAgentsHandler(agents, guard, cfg.StoreTimeout, logger),
		Performance: api.NewPerformanceHandler(aggregator, cfg.PerformanceWindow, logger),
		Actions:     api.NewAgentActionsHandler(tracker, hub, logger),
		Roster:      api.NewRosterHandler(agents, cfg.StoreTimeout, logger),
		Calls:       api.NewCallsHandler(calls, agents, cfg.StoreTimeout, logger),
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, logger, handlers, websocket.NewHandler(hub, cfg, logger)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broadcaster.Start(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")
		broadcaster.Stop()

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newRouter wires middleware and routes
func newRouter(cfg *config.Config, logger zerolog.Logger, handlers *api.Handlers, ws http.Handler) http.Handler {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Get().Handler())
	r.Get("/ws", ws.ServeHTTP)

	handlers.Mount(r)
	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":%q}`, serviceName)
}
