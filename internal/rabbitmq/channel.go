package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/rmqlink/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel wraps *amqp.Channel as a transport.Channel
type channel struct {
	ch     *amqp.Channel
	id     string
	logger *slog.Logger
}

var _ transport.Channel = (*channel)(nil)

func newChannel(ch *amqp.Channel, logger *slog.Logger) *channel {
	return &channel{
		ch:     ch,
		id:     uuid.New().String(),
		logger: logger,
	}
}

// run executes a synchronous channel RPC bounded by ctx.
func (c *channel) run(ctx context.Context, op string, fn func() error) error {
	if err := do(ctx, fn); err != nil {
		return &ChannelError{
			Op:        op,
			ChannelID: c.id,
			Err:       classify(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Qos implements transport.Channel
func (c *channel) Qos(ctx context.Context, prefetchCount int) error {
	return c.run(ctx, "qos", func() error {
		return c.ch.Qos(prefetchCount, 0, false)
	})
}

// Publish implements transport.Channel
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return &ChannelError{
			Op:        "publish",
			ChannelID: c.id,
			Err:       classify(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}

// IsClosed implements transport.Channel
func (c *channel) IsClosed() bool {
	return c.ch.IsClosed()
}

// Close implements transport.Channel
func (c *channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func (c *channel) String() string {
	return "channel#" + c.id
}
