package reaper

import (
	"context"
	"time"

	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

const batchSize = 100

// Run recovers stuck transformations every interval until ctx is cancelled.
func Run(ctx context.Context, logger zerolog.Logger, svc service.TransformationService, interval, staleAfter time.Duration) error {
	logger = logger.With().Str("orchestrator", "reaper").Logger()
	logger.Info().Dur("interval", interval).Dur("stale_after", staleAfter).Msg("Starting reaper orchestrator")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down reaper orchestrator")
			return nil
		case <-ticker.C:
		}
		res, err := svc.ReapStale(ctx, staleAfter, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("Reaping stale transformations failed")
			}
			continue
		}
		if res.Failed > 0 || res.Redispatched > 0 {
			logger.Info().Int("failed", res.Failed).Int("redispatched", res.Redispatched).Msg("Reaped stale transformations")
		}
	}
}
