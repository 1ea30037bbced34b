// Package transport defines the contract between rmqlink and the AMQP wire client.
//
// rmqlink never talks to the network itself. It dials through a Dialer, watches
// Conn.Closing for unexpected loss, and issues topology and consume operations
// through Channel. The default implementation wraps github.com/rabbitmq/amqp091-go;
// tests and alternative clients provide their own.
package transport

import (
	"context"
	"crypto/tls"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a transport connection to a single endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error) {
	return f(ctx, url, tlsConfig)
}

// Conn is a live network connection to a broker.
type Conn interface {
	// Channel opens a new multiplexed channel.
	Channel(ctx context.Context) (Channel, error)
	// Closing is closed once the connection has ended, for whatever reason.
	Closing() <-chan struct{}
	IsClosed() bool
	Close() error
}

// Handler processes a single delivery.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// ExchangeSpec describes an exchange declaration.
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
}

// QueueSpec describes a queue declaration.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       amqp.Table
}

// QueueInfo is the broker's view of a queue.
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// Channel is a logical stream within a Conn. All operations honour ctx
// deadlines; broker rejections surface as errors (see IsPreconditionFailed).
type Channel interface {
	ExchangeDeclare(ctx context.Context, spec ExchangeSpec) error
	ExchangeDelete(ctx context.Context, name string) error
	QueueDeclare(ctx context.Context, spec QueueSpec) error
	QueueInspect(ctx context.Context, name string) (QueueInfo, error)
	QueueDelete(ctx context.Context, name string) error
	QueueBind(ctx context.Context, queue, exchange, routingKey string) error
	QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error
	Qos(ctx context.Context, prefetchCount int) error
	// Consume subscribes handler to queue under the given consumer tag.
	// Deliveries are dispatched until the subscription is cancelled or the
	// channel closes.
	Consume(ctx context.Context, queue, consumerTag string, handler Handler) error
	Cancel(ctx context.Context, consumerTag string) error
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}
