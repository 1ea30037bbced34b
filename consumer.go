package rmqlink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConsumeRetryInterval spaces resubscription attempts after a
// connection loss.
const DefaultConsumeRetryInterval = 5 * time.Second

// Delivery is an incoming message
type Delivery = amqp.Delivery

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acknowledges only on successful processing
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual requires manual acknowledgment in handler
	AckManual
)

// Consumer is a live subscription on a dedicated channel.
type Consumer struct {
	channel transport.Channel
	tag     string
	queue   string
	logger  *slog.Logger
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.tag
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Channel returns the consumer's dedicated channel
func (c *Consumer) Channel() transport.Channel {
	return c.channel
}

func (c *Consumer) String() string {
	return fmt.Sprintf("Consumer[queue=%s, tag=%s]", c.queue, c.tag)
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	c.logger.Debug("close consumer", "queue", c.queue, "consumerTag", c.tag)
	return c.channel.Close()
}

type consumeConfig struct {
	prefetchCount int
	retryInterval time.Duration
	ackStrategy   AcknowledgmentStrategy
	consumerTag   string
	timeout       time.Duration
}

// ConsumeOption configures Queue.Consume
type ConsumeOption func(*consumeConfig)

// WithPrefetchCount overrides the queue's prefetch count
func WithPrefetchCount(count int) ConsumeOption {
	return func(c *consumeConfig) {
		c.prefetchCount = count
	}
}

// WithRetryInterval sets the delay between resubscription attempts after a
// connection loss.
func WithRetryInterval(interval time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.retryInterval = interval
	}
}

// WithAckStrategy sets the acknowledgment strategy
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumeOption {
	return func(c *consumeConfig) {
		c.ackStrategy = strategy
	}
}

// WithConsumerTag sets the consumer tag. By default one is generated per
// subscription.
func WithConsumerTag(tag string) ConsumeOption {
	return func(c *consumeConfig) {
		c.consumerTag = tag
	}
}

// WithConsumeTimeout overrides the queue's default timeout for subscribing
func WithConsumeTimeout(timeout time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.timeout = timeout
	}
}

// wrapHandler wraps the handler with acknowledgment strategy
func wrapHandler(handler transport.Handler, strategy AcknowledgmentStrategy) transport.Handler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		err := safeHandle(ctx, handler, delivery)

		switch strategy {
		case AckOnSuccess:
			if err == nil {
				return delivery.Ack(false)
			}
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				return fmt.Errorf("%w (nack failed: %v)", err, nackErr)
			}
			return err

		case AckAlways:
			ackErr := delivery.Ack(false)
			if err != nil {
				return err
			}
			return ackErr

		case AckManual:
			return err
		}

		return err
	}
}

func safeHandle(ctx context.Context, handler transport.Handler, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}
