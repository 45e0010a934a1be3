package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pixshift/internal/config"

	"cloud.google.com/go/pubsub"
)

const (
	EventTransformationCompleted = "transformation.completed"
	EventTransformationFailed    = "transformation.failed"
	EventBillingReconciled       = "billing.reconciled"
	EventImagesPurged            = "images.purged"
)

// Event is a lifecycle notification. Consumers must tolerate duplicates.
type Event struct {
	Type       string            `json:"type"`
	SubjectID  string            `json:"subject_id"`
	ResourceID string            `json:"resource_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher defines an interface for publishing lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher creates a new PubSubPublisher for cfg.PubSubTopic in cfg.GCPProjectID.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP project id is not set")
	}
	if cfg.PubSubTopic == "" {
		return nil, fmt.Errorf("pub/sub topic is not set")
	}
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(cfg.PubSubTopic)}, nil
}

// Publish sends the event and returns the message ID. The event type travels as an attribute
// so subscriptions can filter on it.
func (p *PubSubPublisher) Publish(ctx context.Context, event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": event.Type},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish %s to topic %s: %w", event.Type, p.topic.ID(), err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// NoopPublisher drops every event. Used when no topic is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) (string, error) { return "", nil }

// RecordingPublisher keeps published events in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingPublisher) Publish(_ context.Context, event Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return fmt.Sprintf("%d", len(r.events)), nil
}

// Events returns a copy of everything published so far.
func (r *RecordingPublisher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns published events with the given type.
func (r *RecordingPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
