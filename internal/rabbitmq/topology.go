package rabbitmq

import (
	"context"

	"github.com/glimte/rmqlink/transport"
)

// ExchangeDeclare implements transport.Channel
func (c *channel) ExchangeDeclare(ctx context.Context, spec transport.ExchangeSpec) error {
	return c.run(ctx, "exchange.declare", func() error {
		return c.ch.ExchangeDeclare(
			spec.Name,
			spec.Kind,
			spec.Durable,
			spec.AutoDelete,
			false, // internal
			false, // no-wait
			spec.Args,
		)
	})
}

// ExchangeDelete implements transport.Channel
func (c *channel) ExchangeDelete(ctx context.Context, name string) error {
	return c.run(ctx, "exchange.delete", func() error {
		return c.ch.ExchangeDelete(name, false, false)
	})
}

// QueueDeclare implements transport.Channel
func (c *channel) QueueDeclare(ctx context.Context, spec transport.QueueSpec) error {
	return c.run(ctx, "queue.declare", func() error {
		_, err := c.ch.QueueDeclare(
			spec.Name,
			spec.Durable,
			spec.AutoDelete,
			spec.Exclusive,
			false, // no-wait
			spec.Args,
		)
		return err
	})
}

// QueueInspect implements transport.Channel. It uses a passive declare, which
// closes the channel if the queue does not exist.
func (c *channel) QueueInspect(ctx context.Context, name string) (transport.QueueInfo, error) {
	var info transport.QueueInfo
	err := c.run(ctx, "queue.inspect", func() error {
		q, err := c.ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return err
		}
		info = transport.QueueInfo{
			Name:      q.Name,
			Messages:  q.Messages,
			Consumers: q.Consumers,
		}
		return nil
	})
	if err != nil {
		return transport.QueueInfo{}, err
	}
	return info, nil
}

// QueueDelete implements transport.Channel
func (c *channel) QueueDelete(ctx context.Context, name string) error {
	return c.run(ctx, "queue.delete", func() error {
		_, err := c.ch.QueueDelete(name, false, false, false)
		return err
	})
}

// QueueBind implements transport.Channel
func (c *channel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	return c.run(ctx, "queue.bind", func() error {
		return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
	})
}

// QueueUnbind implements transport.Channel
func (c *channel) QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error {
	return c.run(ctx, "queue.unbind", func() error {
		return c.ch.QueueUnbind(queue, routingKey, exchange, nil)
	})
}
