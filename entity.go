package rmqlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rmqlink/internal/reliability"
	"github.com/glimte/rmqlink/transport"
)

// ConnectionSource tells an entity which Connection to use. Set exactly one
// of Conn or Factory.
type ConnectionSource struct {
	// Conn is a connection shared with the caller. The entity never closes it.
	Conn *Connection

	// Factory creates a connection owned by the entity, closed and released
	// with it.
	Factory func() (*Connection, error)
}

// Borrow uses conn without taking ownership
func Borrow(conn *Connection) ConnectionSource {
	return ConnectionSource{Conn: conn}
}

// Own makes the entity create and own its connection
func Own(factory func() (*Connection, error)) ConnectionSource {
	return ConnectionSource{Factory: factory}
}

func (s ConnectionSource) resolve() (*Connection, bool, error) {
	switch {
	case s.Conn != nil && s.Factory != nil:
		return nil, false, fmt.Errorf("%w: conn and factory are incompatible", ErrInvalidConfiguration)
	case s.Conn == nil && s.Factory == nil:
		return nil, false, fmt.Errorf("%w: conn or factory is required", ErrInvalidConfiguration)
	case s.Factory != nil:
		conn, err := s.Factory()
		if err != nil {
			return nil, false, err
		}
		if conn == nil {
			return nil, false, fmt.Errorf("%w: factory returned no connection", ErrInvalidConfiguration)
		}
		return conn, true, nil
	default:
		return s.Conn, false, nil
	}
}

type declareConfig struct {
	restore bool
	force   bool
	timeout time.Duration
}

// DeclareOption configures a Declare, Bind or Unbind call
type DeclareOption func(*declareConfig)

// WithRestore replays the call every time the connection opens.
func WithRestore() DeclareOption {
	return func(c *declareConfig) {
		c.restore = true
	}
}

// WithForce deletes and redeclares an object the broker already holds with
// different parameters.
func WithForce() DeclareOption {
	return func(c *declareConfig) {
		c.force = true
	}
}

// WithTimeout overrides the entity's default operation timeout
func WithTimeout(timeout time.Duration) DeclareOption {
	return func(c *declareConfig) {
		c.timeout = timeout
	}
}

func newDeclareConfig(defaultTimeout time.Duration, options []DeclareOption) declareConfig {
	cfg := declareConfig{timeout: defaultTimeout}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// declare runs fn. With force, a precondition failure removes the existing
// object once and fn is retried exactly once.
func declare(ctx context.Context, force bool, fn, remove func(ctx context.Context) error, op string, logger *slog.Logger) error {
	if !force {
		return fn(ctx)
	}
	return reliability.Retry{
		Backoff: reliability.Delays(0),
		RetryIf: transport.IsPreconditionFailed,
		OnError: func(ctx context.Context, err error) error {
			logger.Warn("declaration conflicts with existing object, deleting it", "op", op, "error", err)
			return remove(ctx)
		},
		Op:     op,
		Logger: logger,
	}.Do(ctx, fn)
}

// closeOwned closes and releases a connection owned by an entity.
func closeOwned(ctx context.Context, conn *Connection, err error) error {
	closeErr := conn.Close(ctx)
	conn.Release()
	return errors.Join(err, closeErr)
}

func publish(ctx context.Context, conn *Connection, exchange, routingKey string, msg Publishing, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}

	conn.logger.Debug("publish",
		"connection", conn.String(),
		"exchange", exchange,
		"routingKey", routingKey,
		"size", len(msg.Body),
	)

	return ch.Publish(ctx, exchange, routingKey, msg)
}
