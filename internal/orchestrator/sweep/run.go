package sweep

import (
	"context"
	"errors"
	"time"

	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

// Run sweeps once at start and then every interval until ctx is cancelled.
func Run(ctx context.Context, logger zerolog.Logger, svc service.RetentionService, interval time.Duration) error {
	logger = logger.With().Str("orchestrator", "sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("Starting sweep orchestrator")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		Once(ctx, logger, svc)
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down sweep orchestrator")
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single sweep. An overlapping sweep is skipped, not treated as a failure.
func Once(ctx context.Context, logger zerolog.Logger, svc service.RetentionService) {
	res, err := svc.Sweep(ctx)
	switch {
	case errors.Is(err, service.ErrSweepInProgress):
		logger.Info().Msg("Sweep already running; skipping")
	case err != nil:
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("Sweep failed")
		}
	case res.Failed > 0:
		logger.Warn().Int("failed", res.Failed).Int("purged", res.Purged).Msg("Sweep left records for the next run")
	}
}
