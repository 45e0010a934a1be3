package pgmq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with pgmq visibility semantics. ReadWithPoll does not block.
type MemoryQueue struct {
	mu       sync.Mutex
	nextID   int64
	queues   map[string]map[int64]*memMessage
	archived map[string][]*Message
	now      func() time.Time
}

type memMessage struct {
	msg       Message
	visibleAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:   map[string]map[int64]*memMessage{},
		archived: map[string][]*Message{},
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	return q.SendWithDelay(ctx, queue, payload, 0)
}

func (q *MemoryQueue) SendWithDelay(_ context.Context, queue string, payload []byte, delay time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	if q.queues[queue] == nil {
		q.queues[queue] = map[int64]*memMessage{}
	}
	now := q.now()
	data := append([]byte(nil), payload...)
	q.queues[queue][q.nextID] = &memMessage{
		msg:       Message{ID: q.nextID, EnqueuedAt: now, Data: data},
		visibleAt: now.Add(delay),
	}
	return q.nextID, nil
}

func (q *MemoryQueue) ReadWithPoll(_ context.Context, queue string, visibility time.Duration, maxMessages int, _ time.Duration) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	ids := make([]int64, 0, len(q.queues[queue]))
	for id, m := range q.queues[queue] {
		if !m.visibleAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*Message
	for _, id := range ids {
		if len(out) == maxMessages {
			break
		}
		m := q.queues[queue][id]
		m.msg.ReadCount++
		m.visibleAt = now.Add(visibility)
		cp := m.msg
		out = append(out, &cp)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, queue string, msgIDs []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range msgIDs {
		delete(q.queues[queue], id)
	}
	return nil
}

func (q *MemoryQueue) Archive(_ context.Context, queue string, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.queues[queue][msgID]; ok {
		cp := m.msg
		q.archived[queue] = append(q.archived[queue], &cp)
		delete(q.queues[queue], msgID)
	}
	return nil
}

// Len counts messages in queue, visible or not.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// Archived returns the archived messages of queue.
func (q *MemoryQueue) Archived(queue string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.archived[queue]...)
}
