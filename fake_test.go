package rmqlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refused(host string) error {
	return &net.OpError{Op: "dial", Net: "tcp", Addr: &net.TCPAddr{}, Err: fmt.Errorf("%s: %w", host, syscall.ECONNREFUSED)}
}

// fakeBroker records the topology and traffic produced through fake channels.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]transport.ExchangeSpec
	queues    map[string]transport.QueueSpec
	bindings  map[string]bool
	declares  map[string]int
	conflicts map[string]bool
	consumers map[string]fakeConsumer
	published []fakePublished
	qos       []int
}

type fakeConsumer struct {
	queue   string
	handler transport.Handler
	channel *fakeChannel
}

type fakePublished struct {
	exchange   string
	routingKey string
	body       string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]transport.ExchangeSpec),
		queues:    make(map[string]transport.QueueSpec),
		bindings:  make(map[string]bool),
		declares:  make(map[string]int),
		conflicts: make(map[string]bool),
		consumers: make(map[string]fakeConsumer),
	}
}

func bindingKey(queue, exchange, routingKey string) string {
	return queue + "|" + exchange + "|" + routingKey
}

func (b *fakeBroker) declareCount(kind, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[kind+":"+name]
}

func (b *fakeBroker) hasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *fakeBroker) queue(name string) transport.QueueSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

func (b *fakeBroker) hasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

func (b *fakeBroker) hasBinding(queue, exchange, routingKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[bindingKey(queue, exchange, routingKey)]
}

func (b *fakeBroker) setConflict(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflicts[name] = true
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.consumers {
		if c.queue == queue && !c.channel.IsClosed() {
			n++
		}
	}
	return n
}

func (b *fakeBroker) publishedMessages() []fakePublished {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublished(nil), b.published...)
}

// deliver hands body to every live consumer of queue and returns the acks.
func (b *fakeBroker) deliver(queue, body string) []*fakeAcknowledger {
	b.mu.Lock()
	var targets []fakeConsumer
	for _, c := range b.consumers {
		if c.queue == queue && !c.channel.IsClosed() {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	var acks []*fakeAcknowledger
	for _, c := range targets {
		ack := &fakeAcknowledger{}
		_ = c.handler(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  1,
			Body:         []byte(body),
		})
		acks = append(acks, ack)
	}
	return acks
}

// fakeAcknowledger records acknowledgments.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// fakeDialer hands out fake connections, refusing or stalling per host.
type fakeDialer struct {
	broker *fakeBroker

	mu     sync.Mutex
	refuse map[string]bool
	stall  map[string]bool
	dials  []string
	conns  []*fakeConn
}

func newFakeDialer(broker *fakeBroker) *fakeDialer {
	return &fakeDialer{
		broker: broker,
		refuse: make(map[string]bool),
		stall:  make(map[string]bool),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, tlsConfig *tls.Config) (transport.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()

	d.mu.Lock()
	d.dials = append(d.dials, rawURL)
	refuse, stall := d.refuse[host], d.stall[host]
	d.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if refuse {
		return nil, refused(host)
	}

	conn := &fakeConn{
		url:     rawURL,
		tls:     tlsConfig,
		broker:  d.broker,
		closing: make(chan struct{}),
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setRefuse(host string, refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[host] = refuse
}

func (d *fakeDialer) setStall(host string, stall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stall[host] = stall
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeConn is a transport.Conn that can be dropped to simulate a network loss.
type fakeConn struct {
	url    string
	tls    *tls.Config
	broker *fakeBroker

	mu          sync.Mutex
	closing     chan struct{}
	closed      bool
	closeCalls  int
	channels    []*fakeChannel
	channelErrs []error
	dropOnOpen  bool
}

func (c *fakeConn) Channel(ctx context.Context) (transport.Channel, error) {
	c.mu.Lock()
	if c.dropOnOpen {
		c.dropOnOpen = false
		c.mu.Unlock()
		c.drop()
		return nil, transport.ErrConnectionClosed
	}
	defer c.mu.Unlock()

	if len(c.channelErrs) > 0 {
		err := c.channelErrs[0]
		c.channelErrs = c.channelErrs[1:]
		return nil, err
	}
	if c.closed {
		return nil, transport.ErrConnectionClosed
	}
	ch := &fakeChannel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) Closing() <-chan struct{} {
	return c.closing
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.drop()
	return nil
}

// drop ends the connection and every channel on it.
func (c *fakeConn) drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := append([]*fakeChannel(nil), c.channels...)
	close(c.closing)
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

func (c *fakeConn) failNextChannel(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErrs = append(c.channelErrs, err)
}

// dropOnNextChannel makes the next Channel call end the connection.
func (c *fakeConn) dropOnNextChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropOnOpen = true
}

func (c *fakeConn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// fakeChannel is a transport.Channel backed by a fakeBroker.
type fakeChannel struct {
	conn   *fakeConn
	broker *fakeBroker

	mu     sync.Mutex
	closed bool
}

var _ transport.Channel = (*fakeChannel)(nil)

func (ch *fakeChannel) check() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return transport.ErrConnectionClosed
	}
	return nil
}

// fail closes the channel the way the broker does on a channel exception.
func (ch *fakeChannel) fail(err error) error {
	_ = ch.Close()
	return err
}

func (ch *fakeChannel) ExchangeDeclare(ctx context.Context, spec transport.ExchangeSpec) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conflicts[spec.Name] {
		return ch.fail(fmt.Errorf("%w: inequivalent arg for exchange '%s'", transport.ErrPreconditionFailed, spec.Name))
	}
	b.exchanges[spec.Name] = spec
	b.declares["exchange:"+spec.Name]++
	return nil
}

func (ch *fakeChannel) ExchangeDelete(ctx context.Context, name string) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exchanges, name)
	delete(b.conflicts, name)
	return nil
}

func (ch *fakeChannel) QueueDeclare(ctx context.Context, spec transport.QueueSpec) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conflicts[spec.Name] {
		return ch.fail(fmt.Errorf("%w: inequivalent arg for queue '%s'", transport.ErrPreconditionFailed, spec.Name))
	}
	b.queues[spec.Name] = spec
	b.declares["queue:"+spec.Name]++
	return nil
}

func (ch *fakeChannel) QueueInspect(ctx context.Context, name string) (transport.QueueInfo, error) {
	if err := ch.check(); err != nil {
		return transport.QueueInfo{}, err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return transport.QueueInfo{}, ch.fail(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"})
	}
	return transport.QueueInfo{Name: name}, nil
}

func (ch *fakeChannel) QueueDelete(ctx context.Context, name string) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, name)
	delete(b.conflicts, name)
	return nil
}

func (ch *fakeChannel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[bindingKey(queue, exchange, routingKey)] = true
	return nil
}

func (ch *fakeChannel) QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, bindingKey(queue, exchange, routingKey))
	return nil
}

func (ch *fakeChannel) Qos(ctx context.Context, prefetchCount int) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qos = append(b.qos, prefetchCount)
	return nil
}

func (ch *fakeChannel) Consume(ctx context.Context, queue, consumerTag string, handler transport.Handler) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return ch.fail(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"})
	}
	b.consumers[consumerTag] = fakeConsumer{queue: queue, handler: handler, channel: ch}
	return nil
}

func (ch *fakeChannel) Cancel(ctx context.Context, consumerTag string) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, consumerTag)
	return nil
}

func (ch *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.check(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, fakePublished{exchange: exchange, routingKey: routingKey, body: string(msg.Body)})
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

// testEnv wires connections to a fake broker through a private registry.
type testEnv struct {
	t        *testing.T
	broker   *fakeBroker
	dialer   *fakeDialer
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	broker := newFakeBroker()
	return &testEnv{
		t:        t,
		broker:   broker,
		dialer:   newFakeDialer(broker),
		registry: NewRegistry(),
	}
}

// connect creates a connection; it is closed and released when the test ends.
func (e *testEnv) connect(urls []string, options ...ConnectionOption) *Connection {
	e.t.Helper()
	base := []ConnectionOption{
		WithName("test"),
		WithDialer(e.dialer),
		WithRegistry(e.registry),
		WithLogger(discardLogger()),
		WithReconnectBackoff(Forever(10 * time.Millisecond)),
	}
	conn, err := NewConnection(urls, append(base, options...)...)
	if err != nil {
		e.t.Fatalf("failed to create connection: %v", err)
	}
	e.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
		conn.Release()
	})
	return conn
}

// factory returns a connection factory for entities owning their connection.
func (e *testEnv) factory(urls []string, options ...ConnectionOption) func() (*Connection, error) {
	return func() (*Connection, error) {
		base := []ConnectionOption{
			WithName("owned"),
			WithDialer(e.dialer),
			WithRegistry(e.registry),
			WithLogger(discardLogger()),
			WithReconnectBackoff(Forever(10 * time.Millisecond)),
		}
		return NewConnection(urls, append(base, options...)...)
	}
}
