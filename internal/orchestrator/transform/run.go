package transform

import (
	"context"
	"errors"
	"fmt"

	"pixshift/internal/config"
	"pixshift/internal/orchestrator/worker"
	"pixshift/internal/pgmq"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler runs the transformation named by a transform queue message.
func Handler(svc service.TransformationService) worker.Handler {
	return func(ctx context.Context, msg *pgmq.Message) error {
		m, err := service.DecodeTransformationMessage(msg.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", worker.ErrPoison, err)
		}
		err = svc.Process(ctx, m.TransformationID)
		// Another trigger owns or finished the record, or it no longer exists. Either way the
		// message is spent.
		if errors.Is(err, service.ErrAlreadyClaimed) || errors.Is(err, service.ErrTransformationNotFound) {
			return nil
		}
		return err
	}
}

// Run starts cfg.TransformWorkers consumers on the transform queue.
func Run(ctx context.Context, logger zerolog.Logger, cfg *config.Config, q pgmq.Queue, dlq service.DLQService, svc service.TransformationService) error {
	workers := cfg.TransformWorkers
	if workers < 1 {
		workers = 1
	}
	logger.Info().Int("workers", workers).Str("queue", cfg.TransformQueueName).Msg("Starting transform orchestrator")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		c := &worker.Consumer{
			Queue:          q,
			QueueName:      cfg.TransformQueueName,
			DeadLetterName: cfg.TransformDeadLetterName,
			MaxReads:       cfg.TransformMaxReads,
			BatchSize:      cfg.QueueReadBatch,
			Visibility:     cfg.QueueVisibility(),
			PollTimeout:    cfg.QueuePollTimeout(),
			DLQ:            dlq,
			Handle:         Handler(svc),
			Logger:         logger.With().Str("orchestrator", "transform").Int("worker", i).Logger(),
		}
		g.Go(func() error { return c.Run(ctx) })
	}
	err := g.Wait()
	logger.Info().Msg("Shutting down transform orchestrator")
	return err
}
