package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"pixshift/internal/bootstrap"
	"pixshift/internal/config"
	"pixshift/internal/logger"
	"pixshift/internal/orchestrator/purge"
	"pixshift/internal/orchestrator/reaper"
	"pixshift/internal/orchestrator/sweep"
	"pixshift/internal/orchestrator/transform"
	"pixshift/internal/service"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Orchestrator mode: transform|purge|sweep|reaper|all")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := service.LoadSecrets(ctx, cfg); err != nil {
		logger.Fatal().Msgf("Error resolving secrets: %v", err)
	}

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{QueueDriver: bootstrap.QueueDriverPQ}, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer app.Close()

	if err := app.EnsureQueues(ctx); err != nil {
		logger.Fatal().Msgf("Failed to create queues: %v", err)
	}
	logger.Info().Msg("PGMQ queues ready")

	runners := map[string]func(context.Context) error{
		"transform": func(ctx context.Context) error {
			return transform.Run(ctx, logger, cfg, app.Queue, app.DLQ, app.Transformations)
		},
		"purge": func(ctx context.Context) error {
			return purge.Run(ctx, logger, cfg, app.Queue, app.DLQ, app.Retention)
		},
		"sweep": func(ctx context.Context) error {
			return sweep.Run(ctx, logger, app.Retention, cfg.SweepInterval())
		},
		"reaper": func(ctx context.Context) error {
			return reaper.Run(ctx, logger, app.Transformations, cfg.ReaperInterval(), cfg.StaleProcessingAfter())
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	switch *mode {
	case "all":
		for _, run := range runners {
			g.Go(func() error { return run(ctx) })
		}
	default:
		run, ok := runners[*mode]
		if !ok {
			logger.Fatal().Msgf("Invalid mode: %s", *mode)
		}
		g.Go(func() error { return run(ctx) })
	}

	// Prometheus scrape endpoint for the workers.
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: app.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, err)
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
