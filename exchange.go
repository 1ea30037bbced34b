package rmqlink

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publishing is an outgoing message
type Publishing = amqp.Publishing

// ExchangeType is the routing algorithm of an exchange
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeHeaders ExchangeType = "headers"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       ExchangeType // default: direct
	Durable    bool
	AutoDelete bool
	Timeout    time.Duration // default timeout for network operations, 0 for none
}

// ExchangeRef is anything naming an exchange a queue can bind to.
type ExchangeRef interface {
	Name() string
}

// Exchange is a declarable exchange.
type Exchange struct {
	decl  ExchangeDeclaration
	conn  *Connection
	owned bool
}

// NewExchange creates an exchange handle. Nothing is sent to the broker until
// Declare.
func NewExchange(decl ExchangeDeclaration, source ConnectionSource) (*Exchange, error) {
	if decl.Type == "" {
		decl.Type = ExchangeDirect
	}
	switch decl.Type {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
	default:
		return nil, fmt.Errorf("%w: unknown exchange type %q", ErrInvalidConfiguration, decl.Type)
	}

	conn, owned, err := source.resolve()
	if err != nil {
		return nil, err
	}

	return &Exchange{
		decl:  decl,
		conn:  conn,
		owned: owned,
	}, nil
}

// Name returns the exchange name
func (e *Exchange) Name() string {
	return e.decl.Name
}

// Declaration returns the exchange parameters
func (e *Exchange) Declaration() ExchangeDeclaration {
	return e.decl
}

// Conn returns the connection the exchange uses
func (e *Exchange) Conn() *Connection {
	return e.conn
}

func (e *Exchange) String() string {
	return fmt.Sprintf("Exchange[name=%q, type=%s, durable=%t, auto_delete=%t]",
		e.decl.Name, e.decl.Type, e.decl.Durable, e.decl.AutoDelete)
}

func (e *Exchange) declareCallbackName() string {
	return fmt.Sprintf("on_open_exchange_%s_declare", e.decl.Name)
}

// Declare declares the exchange. The default exchange ("") is never declared.
func (e *Exchange) Declare(ctx context.Context, options ...DeclareOption) error {
	if e.decl.Name == "" {
		return nil
	}

	cfg := newDeclareConfig(e.decl.Timeout, options)

	e.conn.logger.Debug("declare exchange",
		"exchange", e.decl.Name,
		"restore", cfg.restore,
		"force", cfg.force,
	)

	spec := transport.ExchangeSpec{
		Name:       e.decl.Name,
		Kind:       string(e.decl.Type),
		Durable:    e.decl.Durable,
		AutoDelete: e.decl.AutoDelete,
	}

	err := declare(ctx, cfg.force,
		func(ctx context.Context) error {
			ctx, cancel := withTimeout(ctx, cfg.timeout)
			defer cancel()
			ch, err := e.conn.Channel(ctx)
			if err != nil {
				return err
			}
			return ch.ExchangeDeclare(ctx, spec)
		},
		func(ctx context.Context) error {
			ch, err := e.conn.Channel(ctx)
			if err != nil {
				return err
			}
			return ch.ExchangeDelete(ctx, e.decl.Name)
		},
		"declare exchange "+e.decl.Name,
		e.conn.logger,
	)
	if err != nil {
		return topologyError("exchange", e.decl.Name, "declare", err)
	}

	if cfg.restore {
		replay := slices.Clone(options)
		e.conn.SetCallback(OnOpen, e.declareCallbackName(), func(ctx context.Context) error {
			return e.Declare(ctx, replay...)
		})
	}

	return nil
}

// Publish sends msg to the exchange on the connection's shared channel.
func (e *Exchange) Publish(ctx context.Context, routingKey string, msg Publishing) error {
	return publish(ctx, e.conn, e.decl.Name, routingKey, msg, e.decl.Timeout)
}

// Close stops restoring the exchange and, with deleteExchange, removes it
// from the broker, ignoring broker errors. An owned connection is closed and
// released.
func (e *Exchange) Close(ctx context.Context, deleteExchange bool) (err error) {
	if e.conn.IsClosed() {
		return ErrAlreadyClosed
	}

	e.conn.logger.Debug("close exchange", "exchange", e.decl.Name, "delete", deleteExchange)

	if e.owned {
		defer func() {
			err = closeOwned(ctx, e.conn, err)
		}()
		e.conn.RemoveCallbacks(true)
	} else {
		e.conn.RemoveCallback(OnOpen, e.declareCallbackName(), true)
	}

	if deleteExchange && e.decl.Name != "" {
		ctx, cancel := withTimeout(ctx, e.decl.Timeout)
		defer cancel()

		ch, err := e.conn.Channel(ctx)
		if err != nil {
			return err
		}
		if err := ch.ExchangeDelete(ctx, e.decl.Name); err != nil {
			e.conn.logger.Warn("failed to delete exchange", "exchange", e.decl.Name, "error", err)
		}
	}

	return nil
}

// SimpleExchange is an exchange that is never declared: the default exchange
// or one owned by another application.
type SimpleExchange struct {
	name    string
	timeout time.Duration
	conn    *Connection
	owned   bool
}

// NewSimpleExchange creates a handle for an existing exchange. An empty name
// is the default exchange.
func NewSimpleExchange(name string, timeout time.Duration, source ConnectionSource) (*SimpleExchange, error) {
	conn, owned, err := source.resolve()
	if err != nil {
		return nil, err
	}
	return &SimpleExchange{
		name:    name,
		timeout: timeout,
		conn:    conn,
		owned:   owned,
	}, nil
}

// Name returns the exchange name
func (e *SimpleExchange) Name() string {
	return e.name
}

// Conn returns the connection the exchange uses
func (e *SimpleExchange) Conn() *Connection {
	return e.conn
}

// Publish sends msg to the exchange on the connection's shared channel.
func (e *SimpleExchange) Publish(ctx context.Context, routingKey string, msg Publishing) error {
	return publish(ctx, e.conn, e.name, routingKey, msg, e.timeout)
}

// Close closes and releases an owned connection. It does nothing otherwise.
func (e *SimpleExchange) Close(ctx context.Context) error {
	if !e.owned {
		return nil
	}
	e.conn.RemoveCallbacks(true)
	return closeOwned(ctx, e.conn, nil)
}
