// Package broker wraps the RabbitMQ connection: queue declaration, consuming
// and serialized publishing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/askstream/internal/config"
	"github.com/avast/retry-go/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	heartbeat     = 10 * time.Second
	dialAttempts  = 5
	dialBaseDelay = 1 * time.Second
)

// ErrClosed is returned when using a closed connection.
var ErrClosed = errors.New("broker connection closed")

// Conn is one AMQP connection with a consuming channel and a publishing channel.
type Conn struct {
	conn    *amqp.Connection
	consume *amqp.Channel
	pub     *ChannelPublisher

	closeOnce sync.Once
}

// Dial connects to RabbitMQ, retrying with backoff until ctx is done or the
// attempts run out.
func Dial(ctx context.Context, cfg config.RabbitMQConfig) (*Conn, error) {
	var conn *amqp.Connection
	err := retry.Do(
		func() error {
			var err error
			conn, err = amqp.DialConfig(cfg.URL(), amqp.Config{
				Vhost:     cfg.VirtualHost,
				Heartbeat: heartbeat,
				Locale:    "en_US",
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(dialAttempts),
		retry.Delay(dialBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("RabbitMQ dial failed, retrying",
				"host", cfg.Hostname,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq %s: %w", cfg.Hostname, err)
	}

	consume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	publish, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	slog.Info("Connected to RabbitMQ", "host", cfg.Hostname, "vhost", cfg.VirtualHost)
	return &Conn{
		conn:    conn,
		consume: consume,
		pub:     NewPublisher(publish),
	}, nil
}

// DeclareQueue declares a durable, auto-deleting, non-exclusive queue.
func (c *Conn) DeclareQueue(name string) error {
	if _, err := c.consume.QueueDeclare(name, true, true, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Consume starts an auto-acknowledging consumer on queue. Messages are
// acknowledged on delivery, so a message whose unit dies is not redelivered.
func (c *Conn) Consume(queue string) (<-chan amqp.Delivery, error) {
	deliveries, err := c.consume.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Publisher returns the connection's serialized publisher.
func (c *Conn) Publisher() *ChannelPublisher {
	return c.pub
}

// NotifyClose returns a channel that receives the error when the connection
// closes. The channel is closed after a graceful Close.
func (c *Conn) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close closes both channels and the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn.IsClosed() {
			return
		}
		err = c.conn.Close()
	})
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}
