package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes JSON messages to a queue.
type Publisher interface {
	PublishJSON(ctx context.Context, queue string, v any) error
}

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ChannelPublisher serializes publishes on a single AMQP channel, which is not
// safe for concurrent use.
type ChannelPublisher struct {
	mu sync.Mutex
	ch Channel
}

// NewPublisher wraps ch.
func NewPublisher(ch Channel) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

// PublishJSON marshals v and publishes it as a persistent message on the
// default exchange, routed to queue.
func (p *ChannelPublisher) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}
