package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pixshift/internal/pgmq"
	"pixshift/internal/repository/memory"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsumer(t *testing.T, handle Handler) (*Consumer, *pgmq.MemoryQueue, *memory.Store) {
	t.Helper()
	q := pgmq.NewMemoryQueue()
	store := memory.NewStore()
	return &Consumer{
		Queue:          q,
		QueueName:      "jobs",
		DeadLetterName: "jobs_dlq",
		MaxReads:       2,
		BatchSize:      10,
		DLQ:            service.NewDLQService(store.DeadLetters(), q, zerolog.Nop()),
		Handle:         handle,
		Logger:         zerolog.Nop(),
	}, q, store
}

func TestPollDeletesHandledMessages(t *testing.T) {
	var seen []string
	c, q, _ := newConsumer(t, func(_ context.Context, msg *pgmq.Message) error {
		seen = append(seen, string(msg.Data))
		return nil
	})
	ctx := context.Background()
	_, err := q.Send(ctx, "jobs", []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = q.Send(ctx, "jobs", []byte(`{"n":2}`))
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, seen)
	assert.Equal(t, 0, q.Len("jobs"))
}

func TestPollRedeliversThenDeadLetters(t *testing.T) {
	calls := 0
	c, q, store := newConsumer(t, func(context.Context, *pgmq.Message) error {
		calls++
		return errors.New("remote down")
	})
	ctx := context.Background()
	id, err := q.Send(ctx, "jobs", []byte(`{"transformation_id":"t1"}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Poll(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, q.Len("jobs"))
	assert.Equal(t, 1, q.Len("jobs_dlq"))

	dead := store.DeadLetterMessages()
	require.Len(t, dead, 1)
	assert.Equal(t, "jobs", dead[0].QueueName)
	assert.Equal(t, id, dead[0].MessageID)
	assert.Equal(t, 3, dead[0].ReadCount)
	assert.Equal(t, "unprocessed", dead[0].Status)
}

func TestPollBuriesPoisonImmediately(t *testing.T) {
	c, q, store := newConsumer(t, func(_ context.Context, msg *pgmq.Message) error {
		return fmt.Errorf("%w: bad payload", ErrPoison)
	})
	ctx := context.Background()
	_, err := q.Send(ctx, "jobs", []byte("not json"))
	require.NoError(t, err)

	_, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len("jobs"))
	dead := store.DeadLetterMessages()
	require.Len(t, dead, 1)
	assert.Equal(t, `"not json"`, dead[0].Payload)
}

func TestPollArchivesWithoutDLQ(t *testing.T) {
	c, q, _ := newConsumer(t, func(context.Context, *pgmq.Message) error { return ErrPoison })
	c.DLQ = nil
	ctx := context.Background()
	_, err := q.Send(ctx, "jobs", []byte(`{}`))
	require.NoError(t, err)

	_, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len("jobs"))
	assert.Len(t, q.Archived("jobs"), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := newConsumer(t, func(context.Context, *pgmq.Message) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
