// Package answer publishes completed exchanges to the outbound answer queue.
package answer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/askstream/internal/agent"
	"github.com/ashureev/askstream/internal/broker"
	"github.com/ashureev/askstream/internal/dispatch"
	"github.com/ashureev/askstream/internal/domain"
)

// Publisher assembles and publishes answer envelopes.
type Publisher struct {
	pub   broker.Publisher
	queue string
}

// New creates a publisher sending to queue.
func New(pub broker.Publisher, queue string) *Publisher {
	return &Publisher{pub: pub, queue: queue}
}

// Publish sends the answer for req once. Failures are returned as publish
// errors and are not retried.
func (p *Publisher) Publish(ctx context.Context, req domain.RequestEnvelope, res agent.Result) error {
	question := res.Input
	if question == "" {
		question = req.Question
	}
	env := domain.AnswerEnvelope{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Question:       question,
		Answer:         res.Output,
		ChatHistory:    res.History,
	}

	if err := p.pub.PublishJSON(ctx, p.queue, env); err != nil {
		return dispatch.Fail(dispatch.KindPublish, fmt.Errorf("publish answer: %w", err))
	}

	slog.Info("Answer published",
		"queue", p.queue,
		"user_id", req.UserID,
		"conversation_id", req.ConversationID,
		"turns", len(env.ChatHistory))
	return nil
}
