package model

import "time"

// DeadLetterMessage is a queue message that exhausted its delivery attempts.
type DeadLetterMessage struct {
	ID        int64     `db:"id"`
	QueueName string    `db:"queue_name"`
	MessageID int64     `db:"message_id"`
	Payload   string    `db:"payload"` // JSON
	ReadCount int       `db:"read_count"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}
