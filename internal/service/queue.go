package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pixshift/internal/pgmq"
)

// TransformationMessage is the payload on both the transform and the purge queue.
type TransformationMessage struct {
	TransformationID string `json:"transformation_id"`
}

// DecodeTransformationMessage parses a queue payload. A payload without an id is an error.
func DecodeTransformationMessage(data []byte) (*TransformationMessage, error) {
	var m TransformationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding transformation message: %w", err)
	}
	if m.TransformationID == "" {
		return nil, fmt.Errorf("transformation message has no transformation_id")
	}
	return &m, nil
}

// JobQueue hands a PENDING transformation to the transform workers.
type JobQueue interface {
	Enqueue(ctx context.Context, transformationID string) error
}

// PurgeScheduler arranges a purge to run after delay. Scheduled purges survive process restarts.
type PurgeScheduler interface {
	SchedulePurge(ctx context.Context, transformationID string, delay time.Duration) error
}

type pgmqJobQueue struct {
	q    pgmq.Queue
	name string
}

func NewJobQueue(q pgmq.Queue, name string) JobQueue {
	return &pgmqJobQueue{q: q, name: name}
}

func (j *pgmqJobQueue) Enqueue(ctx context.Context, transformationID string) error {
	payload, err := json.Marshal(TransformationMessage{TransformationID: transformationID})
	if err != nil {
		return err
	}
	if _, err := j.q.Send(ctx, j.name, payload); err != nil {
		return fmt.Errorf("enqueueing transformation %s: %w", transformationID, err)
	}
	return nil
}

type pgmqPurgeScheduler struct {
	q    pgmq.Queue
	name string
}

func NewPurgeScheduler(q pgmq.Queue, name string) PurgeScheduler {
	return &pgmqPurgeScheduler{q: q, name: name}
}

func (p *pgmqPurgeScheduler) SchedulePurge(ctx context.Context, transformationID string, delay time.Duration) error {
	payload, err := json.Marshal(TransformationMessage{TransformationID: transformationID})
	if err != nil {
		return err
	}
	if _, err := p.q.SendWithDelay(ctx, p.name, payload, delay); err != nil {
		return fmt.Errorf("scheduling purge of %s: %w", transformationID, err)
	}
	return nil
}
