package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "session:"

// relayMessage is the wire form of a relayed event.
type relayMessage struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RedisRelay forwards events between instances over redis pub/sub, so a unit
// running on one instance can reach a client connected to another.
type RedisRelay struct {
	rdb      *redis.Client
	router   *Router
	instance string
}

// NewRedisRelay creates a relay delivering inbound events through router.
func NewRedisRelay(rdb *redis.Client, router *Router) *RedisRelay {
	return &RedisRelay{
		rdb:      rdb,
		router:   router,
		instance: uuid.NewString(),
	}
}

// Publish sends ev to whichever instance holds sessionID.
func (r *RedisRelay) Publish(ctx context.Context, sessionID string, ev domain.Event) error {
	payload, err := encodeRelay(r.instance, ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, relayChannelPrefix+sessionID, payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Run subscribes to relayed events and delivers them to local sessions until
// ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			slog.Debug("Failed to close relay subscription", "error", err)
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	slog.Info("Session relay subscribed", "instance", r.instance)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID, ev, origin, err := decodeRelay(msg.Channel, msg.Payload)
			if err != nil {
				slog.Warn("Dropping malformed relay message", "channel", msg.Channel, "error", err)
				continue
			}
			if origin == r.instance {
				continue
			}
			r.router.DeliverLocal(ctx, sessionID, ev)
		}
	}
}

func encodeRelay(origin string, ev domain.Event) (string, error) {
	var data json.RawMessage
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return "", fmt.Errorf("encode relay data: %w", err)
		}
		data = raw
	}
	out, err := json.Marshal(relayMessage{Origin: origin, Event: ev.Name, Data: data})
	if err != nil {
		return "", fmt.Errorf("encode relay message: %w", err)
	}
	return string(out), nil
}

func decodeRelay(channel, payload string) (sessionID string, ev domain.Event, origin string, err error) {
	sessionID = strings.TrimPrefix(channel, relayChannelPrefix)
	if sessionID == "" || sessionID == channel {
		return "", domain.Event{}, "", fmt.Errorf("unexpected channel %q", channel)
	}
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return "", domain.Event{}, "", fmt.Errorf("decode relay message: %w", err)
	}
	ev = domain.Event{Name: msg.Event}
	if len(msg.Data) > 0 {
		ev.Data = msg.Data
	}
	return sessionID, ev, msg.Origin, nil
}
