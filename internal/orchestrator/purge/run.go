package purge

import (
	"context"
	"errors"
	"fmt"

	"pixshift/internal/config"
	"pixshift/internal/orchestrator/worker"
	"pixshift/internal/pgmq"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

// Handler purges the transformation named by a purge queue message.
func Handler(svc service.RetentionService) worker.Handler {
	return func(ctx context.Context, msg *pgmq.Message) error {
		m, err := service.DecodeTransformationMessage(msg.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", worker.ErrPoison, err)
		}
		if err := svc.Purge(ctx, m.TransformationID); err != nil && !errors.Is(err, service.ErrTransformationNotFound) {
			return err
		}
		return nil
	}
}

// Run consumes scheduled purges until ctx is cancelled.
func Run(ctx context.Context, logger zerolog.Logger, cfg *config.Config, q pgmq.Queue, dlq service.DLQService, svc service.RetentionService) error {
	logger.Info().Str("queue", cfg.PurgeQueueName).Msg("Starting purge orchestrator")
	c := &worker.Consumer{
		Queue:          q,
		QueueName:      cfg.PurgeQueueName,
		DeadLetterName: cfg.PurgeDeadLetterName,
		MaxReads:       cfg.PurgeMaxReads,
		BatchSize:      cfg.QueueReadBatch,
		Visibility:     cfg.QueueVisibility(),
		PollTimeout:    cfg.QueuePollTimeout(),
		DLQ:            dlq,
		Handle:         Handler(svc),
		Logger:         logger.With().Str("orchestrator", "purge").Logger(),
	}
	return c.Run(ctx)
}
