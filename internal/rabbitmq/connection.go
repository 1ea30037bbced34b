package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// defaultDialTimeout bounds the TCP dial when ctx carries no deadline.
const defaultDialTimeout = 30 * time.Second

// Dialer opens amqp091-go connections.
type Dialer struct {
	config         amqp.Config
	connectionName string
	logger         *slog.Logger
}

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithConfig sets the base amqp091-go configuration (heartbeat, locale,
// client properties). TLSClientConfig and Dial are overwritten per dial.
func WithConfig(config amqp.Config) DialerOption {
	return func(d *Dialer) {
		d.config = config
	}
}

// WithConnectionName sets the connection_name client property shown in the
// broker's management UI.
func WithConnectionName(name string) DialerOption {
	return func(d *Dialer) {
		d.connectionName = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// NewDialer creates a new amqp091-go dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, url string, tlsConfig *tls.Config) (transport.Conn, error) {
	config := d.config
	config.Properties = amqp.Table{}
	for k, v := range d.config.Properties {
		config.Properties[k] = v
	}
	if d.connectionName != "" {
		config.Properties["connection_name"] = d.connectionName
	}
	if tlsConfig != nil {
		config.TLSClientConfig = tlsConfig.Clone()
	}

	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	config.Dial = amqp.DefaultDial(timeout)

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, config)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(url),
				Err:       classify(res.err),
				Timestamp: time.Now(),
			}
		}
		return newConnection(res.conn, d.logger), nil

	case <-ctx.Done():
		// The handshake may still complete; don't leak the socket.
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		}
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// connection wraps *amqp.Connection as a transport.Conn
type connection struct {
	conn    *amqp.Connection
	closing chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newConnection(conn *amqp.Connection, logger *slog.Logger) *connection {
	c := &connection{
		conn:    conn,
		closing: make(chan struct{}),
		logger:  logger,
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notifyClose; ok && err != nil {
			c.logger.Warn("connection closed by broker", "error", err)
		}
		c.markClosed()
	}()

	return c
}

func (c *connection) markClosed() {
	c.once.Do(func() { close(c.closing) })
}

// Channel implements transport.Conn
func (c *connection) Channel(ctx context.Context) (transport.Channel, error) {
	type openResult struct {
		ch  *amqp.Channel
		err error
	}

	results := make(chan openResult, 1)
	go func() {
		ch, err := c.conn.Channel()
		results <- openResult{ch: ch, err: err}
	}()

	var err error
	select {
	case res := <-results:
		if res.err == nil {
			return newChannel(res.ch, c.logger), nil
		}
		err = fmt.Errorf("%w: %w", ErrChannelCreationFailed, classify(res.err))
	case <-ctx.Done():
		go func() {
			if res := <-results; res.ch != nil {
				_ = res.ch.Close()
			}
		}()
		err = ctx.Err()
	}

	return nil, &ChannelError{
		Op:        "open",
		ChannelID: "new",
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Closing implements transport.Conn
func (c *connection) Closing() <-chan struct{} {
	return c.closing
}

// IsClosed implements transport.Conn
func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close implements transport.Conn
func (c *connection) Close() error {
	defer c.markClosed()
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// do runs fn on its own goroutine and stops waiting once ctx is done.
func do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() {
		errs <- fn()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
