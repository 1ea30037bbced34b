package rmqlink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/glimte/rmqlink/internal/reliability"
	"github.com/glimte/rmqlink/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetchCount is the channel prefetch used by consumers when the
// queue declaration does not set one.
const DefaultPrefetchCount = 1

// QueueType is the broker implementation backing a queue
type QueueType string

const (
	QueueClassic QueueType = "classic"
	QueueQuorum  QueueType = "quorum"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name          string
	Type          QueueType // default: classic
	Durable       bool
	Exclusive     bool
	AutoDelete    bool
	PrefetchCount int           // default: 1
	MaxPriority   int           // x-max-priority, classic queues only
	Expires       time.Duration // x-expires
	MessageTTL    time.Duration // x-message-ttl
	Timeout       time.Duration // default timeout for network operations, 0 for none
}

// Binding routes messages from an exchange to a queue
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Queue is a declarable, consumable queue.
//
// A Queue holds at most one Consumer. The consumer is dropped when the
// connection is lost or closed; if it was started with Consume, it is
// resubscribed once the connection is back.
type Queue struct {
	decl  QueueDeclaration
	conn  *Connection
	owned bool

	// consumeMu serializes subscribing and unsubscribing.
	consumeMu sync.Mutex

	mu       sync.Mutex
	consumer *Consumer
	bindings []Binding
}

// NewQueue creates a queue handle. Nothing is sent to the broker until
// Declare.
func NewQueue(decl QueueDeclaration, source ConnectionSource) (*Queue, error) {
	if decl.Name == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	if decl.Type == "" {
		decl.Type = QueueClassic
	}
	switch decl.Type {
	case QueueClassic, QueueQuorum:
	default:
		return nil, fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfiguration, decl.Type)
	}
	if decl.PrefetchCount <= 0 {
		decl.PrefetchCount = DefaultPrefetchCount
	}

	conn, owned, err := source.resolve()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		decl:  decl,
		conn:  conn,
		owned: owned,
	}
	q.registerCleanup()
	return q, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.decl.Name
}

// Declaration returns the queue parameters
func (q *Queue) Declaration() QueueDeclaration {
	return q.decl
}

// Conn returns the connection the queue uses
func (q *Queue) Conn() *Connection {
	return q.conn
}

// Consumer returns the live consumer, if any
func (q *Queue) Consumer() *Consumer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumer
}

// Bindings returns the current bindings
func (q *Queue) Bindings() []Binding {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.bindings)
}

func (q *Queue) String() string {
	return fmt.Sprintf("Queue[name=%q, type=%s, durable=%t, exclusive=%t, auto_delete=%t]",
		q.decl.Name, q.decl.Type, q.decl.Durable, q.decl.Exclusive, q.decl.AutoDelete)
}

func (q *Queue) declareCallbackName() string {
	return fmt.Sprintf("on_open_queue_%s_declare", q.decl.Name)
}

func (q *Queue) bindCallbackName(exchange, routingKey string) string {
	return fmt.Sprintf("on_open_queue_%s_bind_%s_%s", q.decl.Name, exchange, routingKey)
}

func (q *Queue) consumeCallbackName() string {
	return fmt.Sprintf("on_lost_queue_%s_consume", q.decl.Name)
}

func (q *Queue) cleanupCallbackName(event Event) string {
	return fmt.Sprintf("%s_queue_%s_cleanup_consumer", event, q.decl.Name)
}

func (q *Queue) registerCleanup() {
	for _, event := range []Event{OnLost, OnClose} {
		q.conn.SetCallback(event, q.cleanupCallbackName(event), func(context.Context) error {
			q.mu.Lock()
			q.consumer = nil
			q.mu.Unlock()
			return nil
		})
	}
}

func (q *Queue) arguments() amqp.Table {
	args := amqp.Table{
		"x-queue-type": string(q.decl.Type),
	}
	if q.decl.MaxPriority > 0 {
		args["x-max-priority"] = q.decl.MaxPriority
	}
	if q.decl.Expires > 0 {
		args["x-expires"] = q.decl.Expires.Milliseconds()
	}
	if q.decl.MessageTTL > 0 {
		args["x-message-ttl"] = q.decl.MessageTTL.Milliseconds()
	}
	return args
}

// Declare declares the queue.
func (q *Queue) Declare(ctx context.Context, options ...DeclareOption) error {
	cfg := newDeclareConfig(q.decl.Timeout, options)

	q.conn.logger.Debug("declare queue",
		"queue", q.decl.Name,
		"restore", cfg.restore,
		"force", cfg.force,
	)

	spec := transport.QueueSpec{
		Name:       q.decl.Name,
		Durable:    q.decl.Durable,
		Exclusive:  q.decl.Exclusive,
		AutoDelete: q.decl.AutoDelete,
		Args:       q.arguments(),
	}

	err := declare(ctx, cfg.force,
		func(ctx context.Context) error {
			ctx, cancel := withTimeout(ctx, cfg.timeout)
			defer cancel()
			ch, err := q.conn.Channel(ctx)
			if err != nil {
				return err
			}
			return ch.QueueDeclare(ctx, spec)
		},
		func(ctx context.Context) error {
			ch, err := q.conn.Channel(ctx)
			if err != nil {
				return err
			}
			return ch.QueueDelete(ctx, q.decl.Name)
		},
		"declare queue "+q.decl.Name,
		q.conn.logger,
	)
	if err != nil {
		return topologyError("queue", q.decl.Name, "declare", err)
	}

	if cfg.restore {
		replay := slices.Clone(options)
		q.conn.SetCallback(OnOpen, q.declareCallbackName(), func(ctx context.Context) error {
			return q.Declare(ctx, replay...)
		})
	}

	return nil
}

// Bind binds the queue to exchange with routingKey. WithRestore replays the
// binding every time the connection opens.
func (q *Queue) Bind(ctx context.Context, exchange ExchangeRef, routingKey string, options ...DeclareOption) error {
	cfg := newDeclareConfig(q.decl.Timeout, options)
	exchangeName := exchange.Name()

	q.conn.logger.Debug("bind queue",
		"queue", q.decl.Name,
		"exchange", exchangeName,
		"routingKey", routingKey,
	)

	ctx, cancel := withTimeout(ctx, cfg.timeout)
	defer cancel()

	ch, err := q.conn.Channel(ctx)
	if err != nil {
		return topologyError("binding", q.decl.Name, "bind", err)
	}
	if err := ch.QueueBind(ctx, q.decl.Name, exchangeName, routingKey); err != nil {
		return topologyError("binding", q.decl.Name, "bind", err)
	}

	binding := Binding{Exchange: exchangeName, RoutingKey: routingKey}
	q.mu.Lock()
	if !slices.Contains(q.bindings, binding) {
		q.bindings = append(q.bindings, binding)
	}
	q.mu.Unlock()

	if cfg.restore {
		replay := slices.Clone(options)
		q.conn.SetCallback(OnOpen, q.bindCallbackName(exchangeName, routingKey), func(ctx context.Context) error {
			return q.Bind(ctx, exchange, routingKey, replay...)
		})
	}

	return nil
}

// Unbind removes a binding made with Bind. Unknown bindings are ignored.
func (q *Queue) Unbind(ctx context.Context, exchange ExchangeRef, routingKey string, options ...DeclareOption) error {
	cfg := newDeclareConfig(q.decl.Timeout, options)
	return q.unbind(ctx, exchange.Name(), routingKey, cfg.timeout)
}

func (q *Queue) unbind(ctx context.Context, exchangeName, routingKey string, timeout time.Duration) error {
	q.conn.logger.Debug("unbind queue",
		"queue", q.decl.Name,
		"exchange", exchangeName,
		"routingKey", routingKey,
	)

	binding := Binding{Exchange: exchangeName, RoutingKey: routingKey}
	q.mu.Lock()
	i := slices.Index(q.bindings, binding)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}
	q.bindings = slices.Delete(q.bindings, i, i+1)
	q.mu.Unlock()

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	ch, err := q.conn.Channel(ctx)
	if err != nil {
		return topologyError("binding", q.decl.Name, "unbind", err)
	}
	if err := ch.QueueUnbind(ctx, q.decl.Name, exchangeName, routingKey); err != nil {
		return topologyError("binding", q.decl.Name, "unbind", err)
	}

	q.conn.RemoveCallback(OnOpen, q.bindCallbackName(exchangeName, routingKey), true)
	return nil
}

// Consume subscribes handler to the queue on a dedicated channel. If the
// queue already has a consumer it is returned unchanged.
//
// After a connection loss the subscription is retried every retry interval
// until it succeeds, StopConsume is called or the connection is closed.
func (q *Queue) Consume(ctx context.Context, handler transport.Handler, options ...ConsumeOption) (*Consumer, error) {
	cfg := consumeConfig{
		prefetchCount: q.decl.PrefetchCount,
		retryInterval: DefaultConsumeRetryInterval,
		timeout:       q.decl.Timeout,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.prefetchCount <= 0 {
		cfg.prefetchCount = q.decl.PrefetchCount
	}

	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if consumer := q.Consumer(); consumer != nil {
		return consumer, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	consumer, err := q.subscribe(ctx, handler, cfg)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.consumer = consumer
	q.mu.Unlock()

	q.conn.logger.Info("consuming queue",
		"connection", q.conn.String(),
		"queue", q.decl.Name,
		"consumerTag", consumer.tag,
		"prefetchCount", cfg.prefetchCount,
	)

	replay := slices.Clone(options)
	q.registerCleanup()
	q.conn.SetCallback(OnLost, q.consumeCallbackName(), func(ctx context.Context) error {
		return reliability.Retry{
			Backoff: reliability.Forever(cfg.retryInterval),
			RetryIf: func(error) bool { return true },
			Op:      "consume " + q.decl.Name,
			Logger:  q.conn.logger,
		}.Do(ctx, func(ctx context.Context) error {
			_, err := q.Consume(ctx, handler, replay...)
			return err
		})
	})

	return consumer, nil
}

func (q *Queue) subscribe(ctx context.Context, handler transport.Handler, cfg consumeConfig) (*Consumer, error) {
	ctx, cancel := withTimeout(ctx, cfg.timeout)
	defer cancel()

	ch, err := q.conn.NewChannel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(ctx, cfg.prefetchCount); err != nil {
		_ = ch.Close()
		return nil, err
	}

	tag := cfg.consumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", q.decl.Name, uuid.NewString())
	}

	if err := ch.Consume(ctx, q.decl.Name, tag, wrapHandler(handler, cfg.ackStrategy)); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &Consumer{
		channel: ch,
		tag:     tag,
		queue:   q.decl.Name,
		logger:  q.conn.logger,
	}, nil
}

// StopConsume stops automatic resubscription, cancels the subscription if its
// channel is still open and drops the consumer.
func (q *Queue) StopConsume(ctx context.Context) error {
	q.conn.logger.Debug("stop consume", "queue", q.decl.Name)

	q.conn.RemoveCallback(OnLost, q.consumeCallbackName(), true)

	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	q.mu.Lock()
	consumer := q.consumer
	q.consumer = nil
	q.mu.Unlock()

	if consumer == nil || consumer.channel.IsClosed() {
		return nil
	}

	ctx, cancel := withTimeout(ctx, q.decl.Timeout)
	defer cancel()

	cancelErr := consumer.channel.Cancel(ctx, consumer.tag)
	return errors.Join(cancelErr, consumer.Close())
}

// Close stops consuming, removes every binding and stops restoring the queue.
// With deleteQueue the queue is removed from the broker, ignoring broker
// errors. An owned connection is closed and released.
func (q *Queue) Close(ctx context.Context, deleteQueue bool) (err error) {
	if q.conn.IsClosed() {
		return ErrAlreadyClosed
	}

	q.conn.logger.Debug("close queue", "queue", q.decl.Name, "delete", deleteQueue)

	if q.owned {
		defer func() {
			err = closeOwned(ctx, q.conn, err)
		}()
	}

	if err := q.StopConsume(ctx); err != nil {
		return err
	}

	for _, b := range q.Bindings() {
		if err := q.unbind(ctx, b.Exchange, b.RoutingKey, q.decl.Timeout); err != nil {
			return err
		}
	}

	if q.owned {
		q.conn.RemoveCallbacks(true)
	} else {
		q.conn.RemoveCallback(OnOpen, q.declareCallbackName(), true)
		q.conn.RemoveCallback(OnLost, q.cleanupCallbackName(OnLost), true)
		q.conn.RemoveCallback(OnClose, q.cleanupCallbackName(OnClose), true)
	}

	if deleteQueue {
		ctx, cancel := withTimeout(ctx, q.decl.Timeout)
		defer cancel()

		ch, err := q.conn.Channel(ctx)
		if err != nil {
			return err
		}
		if err := ch.QueueDelete(ctx, q.decl.Name); err != nil {
			q.conn.logger.Warn("failed to delete queue", "queue", q.decl.Name, "error", err)
		}
	}

	return nil
}
