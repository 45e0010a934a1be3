package repository

import (
	"context"
	"fmt"

	"pixshift/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
}

type dlqRepository struct {
	pool *pgxpool.Pool
}

func NewDLQRepository(pool *pgxpool.Pool) DLQRepository {
	return &dlqRepository{pool: pool}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	query := `
        INSERT INTO dead_letter_messages (queue_name, message_id, payload, read_count, status)
        VALUES ($1, $2, $3::jsonb, $4, $5)
        RETURNING id, created_at
    `
	err := r.pool.QueryRow(
		ctx,
		query,
		message.QueueName,
		message.MessageID,
		message.Payload,
		message.ReadCount,
		message.Status,
	).Scan(&message.ID, &message.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording dead letter %d from %s: %w", message.MessageID, message.QueueName, err)
	}
	return nil
}
