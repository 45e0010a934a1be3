package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pixshift/internal/pgmq"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

// ErrPoison marks a message that can never succeed. It is dead-lettered on first sight.
var ErrPoison = errors.New("poison message")

// Handler processes one message. A nil error deletes it. Any other error leaves it on the queue
// to be redelivered after the visibility timeout.
type Handler func(ctx context.Context, msg *pgmq.Message) error

// Consumer reads a pgmq queue and hands each message to Handle.
type Consumer struct {
	Queue          pgmq.Queue
	QueueName      string
	DeadLetterName string
	// MaxReads is the number of deliveries after which a message is dead-lettered. Zero disables it.
	MaxReads    int
	BatchSize   int
	Visibility  time.Duration
	PollTimeout time.Duration
	// DLQ is optional. Without it dead messages are archived.
	DLQ    service.DLQService
	Handle Handler
	Logger zerolog.Logger
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.Logger.Info().Str("queue", c.QueueName).Msg("Starting consumer")
	for {
		select {
		case <-ctx.Done():
			c.Logger.Info().Str("queue", c.QueueName).Msg("Shutting down consumer")
			return nil
		default:
		}

		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.Logger.Error().Err(err).Str("queue", c.QueueName).Msg("Error reading queue")
			Sleep(ctx, time.Second)
		}
	}
}

// Poll reads one batch and handles every message in it. It returns how many messages were read.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 1
	}
	msgs, err := c.Queue.ReadWithPoll(ctx, c.QueueName, c.Visibility, batch, c.PollTimeout)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.QueueName, err)
	}
	for _, msg := range msgs {
		c.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (c *Consumer) handle(ctx context.Context, msg *pgmq.Message) {
	log := c.Logger.With().Int64("msg_id", msg.ID).Int("read_count", msg.ReadCount).Logger()
	if c.MaxReads > 0 && msg.ReadCount > c.MaxReads {
		c.bury(ctx, msg, fmt.Errorf("delivered %d times", msg.ReadCount))
		return
	}

	log.Debug().Msgf("Received job: %s", string(msg.Data))
	err := c.Handle(ctx, msg)
	switch {
	case err == nil:
		if err := c.Queue.Delete(ctx, c.QueueName, []int64{msg.ID}); err != nil {
			log.Error().Err(err).Msg("Error deleting message")
		}
	case errors.Is(err, ErrPoison):
		c.bury(ctx, msg, err)
	case ctx.Err() != nil:
		log.Info().Msg("Interrupted; message will be redelivered")
	default:
		log.Warn().Err(err).Msg("Job failed; message will be redelivered")
	}
}

func (c *Consumer) bury(ctx context.Context, msg *pgmq.Message, cause error) {
	var err error
	if c.DLQ != nil {
		err = c.DLQ.Bury(ctx, c.QueueName, c.DeadLetterName, msg, cause)
	} else {
		err = c.Queue.Archive(ctx, c.QueueName, msg.ID)
	}
	if err != nil {
		c.Logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Failed to dead-letter message")
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
