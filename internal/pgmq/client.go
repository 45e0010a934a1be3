package pgmq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Queue is the subset of pgmq operations the workers and schedulers depend on.
type Queue interface {
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
	SendWithDelay(ctx context.Context, queue string, payload []byte, delay time.Duration) (int64, error)
	ReadWithPoll(ctx context.Context, queue string, visibility time.Duration, maxMessages int, poll time.Duration) ([]*Message, error)
	Delete(ctx context.Context, queue string, msgIDs []int64) error
	Archive(ctx context.Context, queue string, msgID int64) error
}

// Client wraps a Postgres DB for pgmq queue operations.
type Client struct {
	db *sql.DB
}

// New returns a new PGMQ client backed by the given DB connection.
func New(db *sql.DB) *Client {
	return &Client{db: db}
}

// Message represents a single pgmq message.
type Message struct {
	ID         int64     // message identifier
	ReadCount  int       // deliveries so far, including this one
	EnqueuedAt time.Time // time of the original send
	Data       []byte    // raw JSON payload
}

// CreateQueue creates queue if it does not exist.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.create($1)", queue); err != nil {
		return fmt.Errorf("pgmq create %s failed: %w", queue, err)
	}
	return nil
}

// Send pushes a JSON payload into the given queue.
func (c *Client) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	return c.SendWithDelay(ctx, queue, payload, 0)
}

// SendWithDelay pushes a JSON payload that stays invisible for delay. The delay is stored
// with the message, so it survives process restarts.
func (c *Client) SendWithDelay(ctx context.Context, queue string, payload []byte, delay time.Duration) (int64, error) {
	var id int64
	query := "SELECT * FROM pgmq.send($1, $2::jsonb, $3)"
	if err := c.db.QueryRowContext(ctx, query, queue, string(payload), seconds(delay)).Scan(&id); err != nil {
		return 0, fmt.Errorf("pgmq send to %s failed: %w", queue, err)
	}
	return id, nil
}

// ReadWithPoll reads up to maxMessages from the queue, blocking up to poll. Returned
// messages stay hidden from other readers for visibility.
func (c *Client) ReadWithPoll(ctx context.Context, queue string, visibility time.Duration, maxMessages int, poll time.Duration) ([]*Message, error) {
	query := "SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read_with_poll($1, $2, $3, $4)"
	rows, err := c.db.QueryContext(ctx, query, queue, seconds(visibility), maxMessages, seconds(poll))
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll on %s failed: %w", queue, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows error: %w", err)
	}
	return msgs, nil
}

// Delete removes messages by their IDs from the specified queue.
func (c *Client) Delete(ctx context.Context, queue string, msgIDs []int64) error {
	query := "SELECT pgmq.delete($1, $2::bigint[])"
	if _, err := c.db.ExecContext(ctx, query, queue, pq.Array(msgIDs)); err != nil {
		return fmt.Errorf("pgmq delete on %s failed: %w", queue, err)
	}
	return nil
}

// Archive moves a message into the queue's archive table.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.archive($1, $2::bigint)", queue, msgID); err != nil {
		return fmt.Errorf("pgmq archive on %s failed: %w", queue, err)
	}
	return nil
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
