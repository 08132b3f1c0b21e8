package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dennisdiepolder/monti/wallboard/internal/sim"
)

func main() {
	// CLI flags
	var (
		controlPort  = flag.String("control-port", "8081", "Control API port")
		backendURL   = flag.String("backend-url", "http://localhost:8080", "Wallboard URL")
		agentCount   = flag.Int("agents", 200, "Total number of agents to provision")
		autoStart    = flag.Bool("auto-start", false, "Automatically start simulation")
		activeAgents = flag.Int("active", 100, "Number of agents to log in (if auto-start is true)")
		speed        = flag.Float64("speed", 1, "Time compression factor for status dwell times")
		seed         = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Setup logger
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "agentsim").
		Logger()

	logger.Info().Msg("starting agent simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		controlPort:  *controlPort,
		backendURL:   *backendURL,
		agentCount:   *agentCount,
		autoStart:    *autoStart,
		activeAgents: *activeAgents,
		speed:        *speed,
		seed:         *seed,
	}
	if err := run(ctx, opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("agent simulator failed")
	}
	logger.Info().Msg("agent simulator stopped")
}

type options struct {
	controlPort  string
	backendURL   string
	agentCount   int
	autoStart    bool
	activeAgents int
	speed        float64
	seed         int64
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	// Generate and provision agents
	agents := sim.NewGenerator(opts.seed).Generate(opts.agentCount)
	intake := sim.NewIntakeClient(opts.backendURL, 10*time.Second)

	result, err := intake.RegisterRoster(ctx, agents)
	if err != nil {
		return fmt.Errorf("provision roster: %w", err)
	}
	logger.Info().
		Int("generated", len(agents)).
		Int("registered", result.Registered).
		Int("duplicates", len(result.Duplicates)).
		Msg("roster provisioned")

	dial := func(ctx context.Context, code string) (sim.AgentConn, error) {
		return sim.Dial(ctx, opts.backendURL, code, logger)
	}
	simulator := sim.NewSimulator(agents, dial, intake, sim.Config{Speed: opts.speed, Seed: opts.seed}, logger)

	srv := &http.Server{
		Addr:         ":" + opts.controlPort,
		Handler:      sim.NewControlAPI(ctx, simulator, logger).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Auto-start if requested
	if opts.autoStart {
		if err := simulator.Start(ctx, opts.activeAgents); err != nil {
			logger.Error().Err(err).Msg("failed to auto-start simulation")
		}
	}

	logger.Info().
		Str("control_api", fmt.Sprintf("http://localhost:%s", opts.controlPort)).
		Str("backend_url", opts.backendURL).
		Msg("agent simulator ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down agent simulator")

		// agents log out before the process exits
		if err := simulator.Stop(); err != nil && !errors.Is(err, sim.ErrNotRunning) {
			logger.Warn().Err(err).Msg("simulation did not stop cleanly")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
