package service

import (
	"context"
	"encoding/json"
	"fmt"

	"pixshift/internal/model"
	"pixshift/internal/pgmq"
	"pixshift/internal/repository"

	"github.com/rs/zerolog"
)

// DLQService moves messages that keep failing off their work queue.
type DLQService interface {
	// Bury records msg, copies it to deadLetterQueue and deletes it from queue.
	Bury(ctx context.Context, queue, deadLetterQueue string, msg *pgmq.Message, cause error) error
}

type dlqService struct {
	repo   repository.DLQRepository
	queue  pgmq.Queue
	logger zerolog.Logger
}

func NewDLQService(repo repository.DLQRepository, queue pgmq.Queue, logger zerolog.Logger) DLQService {
	return &dlqService{
		repo:   repo,
		queue:  queue,
		logger: logger.With().Str("service", "DLQService").Logger(),
	}
}

func (s *dlqService) Bury(ctx context.Context, queue, deadLetterQueue string, msg *pgmq.Message, cause error) error {
	// The payload column is jsonb, so anything unparseable is stored as a JSON string.
	payload := msg.Data
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(msg.Data))
	}
	dead := &model.DeadLetterMessage{
		QueueName: queue,
		MessageID: msg.ID,
		Payload:   string(payload),
		ReadCount: msg.ReadCount,
		Status:    "unprocessed",
	}
	if err := s.repo.Create(ctx, dead); err != nil {
		return err
	}
	if deadLetterQueue != "" {
		if _, err := s.queue.Send(ctx, deadLetterQueue, msg.Data); err != nil {
			return fmt.Errorf("forwarding message %d to %s: %w", msg.ID, deadLetterQueue, err)
		}
	}
	if err := s.queue.Delete(ctx, queue, []int64{msg.ID}); err != nil {
		return fmt.Errorf("deleting dead message %d from %s: %w", msg.ID, queue, err)
	}

	log := s.logger.Warn().Str("queue", queue).Int64("msg_id", msg.ID).Int("read_count", msg.ReadCount)
	if cause != nil {
		log = log.Err(cause)
	}
	log.Msg("Message moved to dead letter queue")
	return nil
}
