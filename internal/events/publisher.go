package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing quota events to NATS
// JetStream. A nil Publisher is valid and publishes nothing, so the engine
// can run without an event bus.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishQuotaChanged publishes a committed balance change.
func (p *Publisher) PublishQuotaChanged(ctx context.Context, event QuotaChanged) error {
	return p.publish(ctx, SubjectQuotaChanged, event)
}

// PublishSweepCompleted publishes a reset sweep summary.
func (p *Publisher) PublishSweepCompleted(ctx context.Context, event SweepCompleted) error {
	return p.publish(ctx, SubjectSweepCompleted, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
