// Copyright 2024 rmqlink Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rmqlink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/rmqlink/internal/failover"
	"github.com/glimte/rmqlink/internal/rabbitmq"
	"github.com/glimte/rmqlink/internal/reliability"
	"github.com/glimte/rmqlink/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Connection is a logical handle onto a shared, self-healing broker connection.
//
// Handles created with the same name and endpoint set in one Registry share
// the transport connection; it is closed when the last open handle closes.
// After an unexpected loss the handle reconnects in the background and runs
// its OnOpen callbacks again.
//
// A Connection can be reopened after Close. Release it once it is no longer
// needed.
type Connection struct {
	name      string
	urls      []string
	retry     Backoff
	retryIf   func(error) bool
	reconnect Backoff
	dialer    transport.Dialer
	registry  *Registry
	shared    *sharedConn
	callbacks *callbacks
	metrics   *connMetrics
	tracer    trace.Tracer
	logger    *slog.Logger

	// tasks tracks the watcher and reconnect goroutines.
	tasks errgroup.Group

	mu            sync.Mutex
	endpoints     *failover.Cursor[endpoint]
	current       endpoint
	life          context.Context
	stop          context.CancelFunc
	connectCancel context.CancelFunc
	watching      bool
	channel       transport.Channel
	released      bool
}

// NewConnection creates a connection handle over the given endpoints. It does
// not dial; call Open or any operation needing a channel.
func NewConnection(urls []string, options ...ConnectionOption) (*Connection, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", ErrInvalidConfiguration)
	}

	cfg := defaultConnectionConfig()
	for _, opt := range options {
		opt(cfg)
	}

	if len(cfg.tlsConfigs) > 0 && len(cfg.tlsConfigs) != len(urls) {
		return nil, fmt.Errorf("%w: got %d tls configs for %d urls",
			ErrInvalidConfiguration, len(cfg.tlsConfigs), len(urls))
	}
	if cfg.connectTimeout <= 0 {
		return nil, fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfiguration)
	}

	endpoints := make([]endpoint, 0, len(urls))
	for i, raw := range urls {
		ep, err := parseEndpoint(raw, tlsFor(cfg.tlsConfigs, i), cfg.connectTimeout)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	if cfg.name == "" {
		cfg.name = strings.ReplaceAll(uuid.NewString(), "-", "")[28:]
	}
	if cfg.retryIf == nil {
		cfg.retryIf = transport.IsConnectivityError
	}
	if cfg.registry == nil {
		cfg.registry = DefaultRegistry
	}
	if cfg.dialer == nil {
		cfg.dialer = rabbitmq.NewDialer(
			rabbitmq.WithConfig(cfg.amqpConfig),
			rabbitmq.WithConnectionName(cfg.name),
			rabbitmq.WithLogger(cfg.logger),
		)
	}

	metrics, err := newConnMetrics(cfg.meterProvider, cfg.name)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	cursor := failover.NewCursor(endpoints)
	current, _ := cursor.Next()

	life, stop := context.WithCancel(context.Background())

	c := &Connection{
		name:      cfg.name,
		urls:      append([]string(nil), urls...),
		retry:     cfg.retry,
		retryIf:   cfg.retryIf,
		reconnect: cfg.reconnect,
		dialer:    cfg.dialer,
		registry:  cfg.registry,
		shared:    cfg.registry.acquire(registryKey(cfg.name, urls)),
		callbacks: newCallbacks(),
		metrics:   metrics,
		tracer:    cfg.tracerProvider.Tracer(instrumentationName),
		logger:    cfg.logger,
		endpoints: cursor,
		current:   current,
		life:      life,
		stop:      stop,
	}
	return c, nil
}

func tlsFor(configs []*tls.Config, i int) *tls.Config {
	if i < len(configs) {
		return configs[i]
	}
	return nil
}

// Name returns the connection name
func (c *Connection) Name() string {
	return c.name
}

// URL returns the endpoint currently in use, with the password redacted.
func (c *Connection) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rabbitmq.SanitizeURL(c.current.raw)
}

// URLs returns the configured endpoints
func (c *Connection) URLs() []string {
	return append([]string(nil), c.urls...)
}

func (c *Connection) String() string {
	c.mu.Lock()
	host := c.current.host
	c.mu.Unlock()
	return fmt.Sprintf("Connection[%s]#%s", host, c.name)
}

// IsOpen reports whether the handle is open over a live transport.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	watching, closed := c.watching, c.life.Err() != nil
	c.mu.Unlock()
	if !watching || closed {
		return false
	}
	conn := c.shared.transport()
	return conn != nil && !conn.IsClosed()
}

// IsClosed reports whether Close was called since the last Open.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.life.Err() != nil
}

// SetCallback registers fn under name on the given event. Setting an existing
// name replaces its function and keeps its position.
func (c *Connection) SetCallback(event Event, name string, fn Callback) {
	mustValidEvent(event)
	c.logger.Debug("set callback", "connection", c.String(), "event", event, "name", name)
	c.callbacks.set(event, name, fn)
}

// RemoveCallback unregisters name from the given event. With cancel set, a
// running invocation of that callback has its context cancelled.
func (c *Connection) RemoveCallback(event Event, name string, cancel bool) {
	mustValidEvent(event)
	c.callbacks.remove(event, name, cancel)
}

// RemoveCallbacks clears every callback of the handle.
func (c *Connection) RemoveCallbacks(cancel bool) {
	c.callbacks.reset(cancel)
}

// Callbacks returns the callback names registered on event, in execution order.
func (c *Connection) Callbacks(event Event) []string {
	mustValidEvent(event)
	return c.callbacks.names(event)
}

func mustValidEvent(event Event) {
	if !event.valid() {
		panic(fmt.Sprintf("rmqlink: invalid callback event %d", int(event)))
	}
}

// Open connects the handle, dialing if no live transport is shared yet, and
// runs the OnOpen callbacks. If one of them fails the handle is closed and
// the error returned. Open on an open handle is a no-op; Open after Close
// reopens.
func (c *Connection) Open(ctx context.Context) error {
	if c.IsOpen() {
		return nil
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.life.Err() != nil {
		c.life, c.stop = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	return c.open(ctx, c.retry, false)
}

// open runs under the shared connect lock. background is set on the
// reconnect path, which must not wait for itself when closing.
func (c *Connection) open(ctx context.Context, backoff Backoff, background bool) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	life := c.life
	c.mu.Unlock()

	if life.Err() != nil {
		return ErrAlreadyClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(life, cancel)()

	if err := c.shared.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.shared.lock.Release(1)

	if conn := c.shared.transport(); conn == nil || conn.IsClosed() {
		c.mu.Lock()
		c.connectCancel = cancel
		c.mu.Unlock()

		err := c.connect(ctx, backoff)

		c.mu.Lock()
		c.connectCancel = nil
		c.mu.Unlock()

		if err != nil {
			return err
		}
	}

	conn := c.shared.transport()

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.watching {
		c.mu.Unlock()
		return nil
	}
	c.watching = true
	c.mu.Unlock()

	c.shared.addRef()

	started := make(chan struct{})
	c.tasks.Go(func() error {
		c.watch(conn, life, started)
		return nil
	})
	<-started

	c.metrics.opened(ctx)

	err := c.execute(ctx, OnOpen, true)
	if err == nil && life.Err() != nil {
		return ErrAlreadyClosed
	}
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			// The watcher has already scheduled a reconnect, which replays OnOpen.
			return err
		}
		c.logger.Error("open callback failed, closing connection",
			"connection", c.String(),
			"error", err,
		)
		_ = c.close(context.WithoutCancel(ctx), !background)
		return err
	}

	return nil
}

// connect dials the current endpoint, failing over to the next one on
// connectivity errors until every endpoint has been tried once.
func (c *Connection) connect(ctx context.Context, backoff Backoff) (err error) {
	ctx, span := c.tracer.Start(ctx, "rmqlink.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rmqlink.connection", c.name)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.mu.Lock()
	c.endpoints.Reset()
	c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		ep := c.current
		c.mu.Unlock()

		c.logger.Info("connecting",
			"connection", c.String(),
			"url", rabbitmq.SanitizeURL(ep.url),
			"timeout", ep.timeout,
		)

		conn, dialErr := c.dial(ctx, ep, backoff)
		if dialErr == nil {
			c.shared.setTransport(conn)
			c.mu.Lock()
			c.endpoints.Reset()
			c.mu.Unlock()
			span.SetAttributes(attribute.String("server.address", ep.host))
			c.logger.Info("connected", "connection", c.String())
			return nil
		}

		if ctx.Err() != nil || !transport.IsConnectivityError(dialErr) {
			return dialErr
		}

		c.mu.Lock()
		next, nextErr := c.endpoints.Next()
		if nextErr == nil {
			c.current = next
		}
		c.mu.Unlock()

		if nextErr != nil {
			return fmt.Errorf("%w: %w", ErrExhausted, dialErr)
		}

		c.logger.Warn("endpoint unreachable, failing over",
			"connection", c.String(),
			"error", dialErr,
		)
	}
}

// dial connects to a single endpoint within its connect timeout, retrying
// according to backoff.
func (c *Connection) dial(ctx context.Context, ep endpoint, backoff Backoff) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	var conn transport.Conn
	attempt := func(ctx context.Context) error {
		var err error
		conn, err = c.dialer.Dial(ctx, ep.url, ep.tls)
		c.metrics.dialed(ctx, ep.host, err)
		return err
	}

	var err error
	if backoff.IsZero() {
		err = attempt(ctx)
	} else {
		err = reliability.Retry{
			Backoff: backoff,
			RetryIf: c.retryIf,
			Op:      "connect " + ep.host,
			Logger:  c.logger,
		}.Do(ctx, attempt)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// watch waits for the transport to end or the handle to close. On an
// unexpected loss it starts the reconnect and runs the OnLost callbacks.
func (c *Connection) watch(conn transport.Conn, life context.Context, started chan<- struct{}) {
	close(started)

	select {
	case <-conn.Closing():
	case <-life.Done():
	}

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.watching = false
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	c.logger.Warn("connection lost", "connection", c.String())
	c.metrics.lost(life)
	c.callbacks.interrupt(OnOpen, ErrNotConnected)

	if ch != nil {
		_ = ch.Close()
	}
	c.shared.dropRef()

	c.tasks.Go(func() error {
		return c.reconnectLoop(life)
	})

	_ = c.execute(life, OnLost, false)
}

// reconnectLoop reopens the handle after a loss. Each attempt runs a full
// failover cycle; the reconnect backoff spaces the cycles.
func (c *Connection) reconnectLoop(life context.Context) error {
	err := reliability.Retry{
		Backoff: c.reconnect,
		RetryIf: c.retryIf,
		Op:      "reconnect " + c.name,
		Logger:  c.logger,
	}.Do(life, func(ctx context.Context) error {
		return c.open(ctx, c.retry, true)
	})
	if err != nil && life.Err() == nil {
		c.logger.Error("reconnect failed", "connection", c.String(), "error", err)
	}
	return err
}

// execute runs the callbacks registered on event in order. With reraise the
// first failure stops the run and is returned; otherwise failures are logged.
func (c *Connection) execute(ctx context.Context, event Event, reraise bool) error {
	for _, cb := range c.callbacks.snapshot(event) {
		c.logger.Debug("execute callback",
			"connection", c.String(),
			"event", event,
			"name", cb.name,
			"reraise", reraise,
		)

		taskCtx, cancel := context.WithCancelCause(ctx)
		task := c.callbacks.track(event, cb.name, cancel)
		err := runCallback(taskCtx, cb.fn)
		c.callbacks.untrack(event, cb.name, task)
		cause := context.Cause(taskCtx)
		removed := err != nil && ctx.Err() == nil && taskCtx.Err() != nil && cause == context.Canceled
		if err != nil && errors.Is(cause, ErrNotConnected) {
			err = fmt.Errorf("callback %s interrupted: %w", cb.name, ErrNotConnected)
		}
		cancel(nil)

		if err == nil {
			continue
		}

		// Removed with cancellation while running; not a failure of the event.
		if removed {
			c.logger.Debug("callback removed while running", "connection", c.String(), "event", event, "name", cb.name)
			continue
		}

		if errors.Is(err, ErrNotConnected) {
			c.logger.Debug("callback interrupted by connection loss", "connection", c.String(), "event", event, "name", cb.name)
		} else if isCancellation(err) {
			c.logger.Debug("callback cancelled", "connection", c.String(), "event", event, "name", cb.name)
		} else {
			c.logger.Error("callback failed",
				"connection", c.String(),
				"event", event,
				"name", cb.name,
				"error", err,
			)
			c.metrics.callbackFailed(ctx, event)
		}
		if reraise {
			return err
		}
	}
	return nil
}

// Close closes the handle: it cancels an in-flight connect, runs the OnClose
// callbacks, closes the transport if no other open handle uses it, cancels
// running callbacks and waits for the watcher and reconnect goroutines.
//
// Close must not be called from a callback of the same handle.
func (c *Connection) Close(ctx context.Context) error {
	return c.close(ctx, true)
}

func (c *Connection) close(ctx context.Context, wait bool) error {
	c.mu.Lock()
	if c.life.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.mu.Unlock()

	if c.shared.transport() != nil {
		_ = c.execute(ctx, OnClose, false)
	}

	c.mu.Lock()
	c.stop()
	held := c.watching
	c.watching = false
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}

	refs, _ := c.shared.counts()
	if held {
		refs = c.shared.dropRef()
	}

	var closeErr error
	if refs == 0 {
		if conn := c.shared.takeTransport(); conn != nil {
			closeErr = conn.Close()
			c.logger.Info("underlying connection closed", "connection", c.String())
		}
	}

	c.callbacks.reset(true)

	if wait {
		_ = c.tasks.Wait()
	}

	c.logger.Info("connection closed", "connection", c.String())

	if closeErr != nil && !errors.Is(closeErr, transport.ErrConnectionClosed) {
		return fmt.Errorf("failed to close connection: %w", closeErr)
	}
	return nil
}

// Release drops the handle from its registry. The shared record goes away
// with the last released handle. A released handle cannot be reopened.
func (c *Connection) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	if c.IsOpen() {
		c.logger.Warn("connection released while open", "connection", c.String())
	}

	c.callbacks.reset(true)
	c.registry.release(c.shared)
}

// NewChannel opens a fresh channel, opening the handle first if needed. A
// channel request racing a connection loss is retried once.
func (c *Connection) NewChannel(ctx context.Context) (transport.Channel, error) {
	var ch transport.Channel
	err := reliability.Retry{
		Backoff: reliability.Delays(0),
		RetryIf: func(err error) bool {
			return errors.Is(err, transport.ErrConnectionClosed)
		},
		Op:     "new channel",
		Logger: c.logger,
	}.Do(ctx, func(ctx context.Context) error {
		if err := c.Open(ctx); err != nil {
			return err
		}
		conn := c.shared.transport()
		if conn == nil || conn.IsClosed() {
			return ErrNotConnected
		}
		var err error
		ch, err = conn.Channel(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Channel returns the handle's cached channel, creating it when missing or
// closed.
func (c *Connection) Channel(ctx context.Context) (transport.Channel, error) {
	if ch := c.cachedChannel(); ch != nil {
		return ch, nil
	}

	// No lock is held while opening: OnOpen callbacks run by a reopen call
	// Channel themselves.
	ch, err := c.NewChannel(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.channel != nil && !c.channel.IsClosed() {
		cached := c.channel
		c.mu.Unlock()
		_ = ch.Close()
		return cached, nil
	}
	c.channel = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *Connection) cachedChannel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel
	}
	return nil
}
