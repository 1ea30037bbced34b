package rabbitmq

import (
	"context"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consume implements transport.Channel
func (c *channel) Consume(ctx context.Context, queue, consumerTag string, handler transport.Handler) error {
	var deliveries <-chan amqp.Delivery
	err := c.run(ctx, "consume", func() error {
		var err error
		deliveries, err = c.ch.Consume(
			queue,
			consumerTag,
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		return err
	}

	go c.processMessages(queue, consumerTag, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", consumerTag,
		"channel", c.id,
	)

	return nil
}

// processMessages dispatches deliveries until the subscription ends.
func (c *channel) processMessages(queue, consumerTag string, deliveries <-chan amqp.Delivery, handler transport.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for delivery := range deliveries {
		if err := handler(ctx, delivery); err != nil {
			c.logger.Error("failed to handle message",
				"error", err,
				"queue", queue,
				"consumerTag", consumerTag,
				"messageId", delivery.MessageId,
			)
		}
	}

	c.logger.Info("consumer stopped", "queue", queue, "consumerTag", consumerTag)
}

// Cancel implements transport.Channel
func (c *channel) Cancel(ctx context.Context, consumerTag string) error {
	return c.run(ctx, "cancel", func() error {
		return c.ch.Cancel(consumerTag, false)
	})
}
