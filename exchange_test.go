package rmqlink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionSource(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect([]string{"amqp://rabbit/"})

	t.Run("conn and factory are incompatible", func(t *testing.T) {
		_, err := NewExchange(ExchangeDeclaration{Name: "x"}, ConnectionSource{
			Conn:    conn,
			Factory: env.factory([]string{"amqp://rabbit/"}),
		})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("one of them is required", func(t *testing.T) {
		_, err := NewQueue(QueueDeclaration{Name: "q"}, ConnectionSource{})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("factory errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewSimpleExchange("", 0, Own(func() (*Connection, error) { return nil, boom }))
		assert.ErrorIs(t, err, boom)
	})
}

func TestExchange_Declare(t *testing.T) {
	t.Run("declares with its parameters", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})

		exchange, err := NewExchange(ExchangeDeclaration{
			Name:    "events",
			Type:    ExchangeTopic,
			Durable: true,
		}, Borrow(conn))
		require.NoError(t, err)

		require.NoError(t, exchange.Declare(context.Background()))

		env.broker.mu.Lock()
		spec := env.broker.exchanges["events"]
		env.broker.mu.Unlock()
		assert.Equal(t, "topic", spec.Kind)
		assert.True(t, spec.Durable)
		assert.Empty(t, conn.Callbacks(OnOpen))
	})

	t.Run("defaults to direct and rejects unknown types", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
		require.NoError(t, err)
		assert.Equal(t, ExchangeDirect, exchange.Declaration().Type)

		_, err = NewExchange(ExchangeDeclaration{Name: "events", Type: "x-delayed"}, Borrow(conn))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("default exchange is never declared", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})

		exchange, err := NewExchange(ExchangeDeclaration{}, Borrow(conn))
		require.NoError(t, err)
		require.NoError(t, exchange.Declare(context.Background(), WithRestore()))

		assert.Equal(t, 0, env.dialer.connCount())
		assert.Empty(t, conn.Callbacks(OnOpen))
	})

	t.Run("restore replays the declaration once per reconnect", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
		require.NoError(t, err)
		require.NoError(t, exchange.Declare(context.Background(), WithRestore()))

		assert.Equal(t, []string{"on_open_exchange_events_declare"}, conn.Callbacks(OnOpen))
		assert.Equal(t, 1, env.broker.declareCount("exchange", "events"))

		env.dialer.lastConn().drop()
		require.Eventually(t, func() bool {
			return env.broker.declareCount("exchange", "events") == 2
		}, waitFor, tick)

		env.dialer.lastConn().drop()
		require.Eventually(t, func() bool {
			return env.broker.declareCount("exchange", "events") == 3
		}, waitFor, tick)
		require.Eventually(t, conn.IsOpen, waitFor, tick)
		assert.Equal(t, 3, env.broker.declareCount("exchange", "events"))
	})

	t.Run("conflict fails without force", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})
		env.broker.setConflict("events")

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
		require.NoError(t, err)

		err = exchange.Declare(context.Background())
		var topologyErr *TopologyError
		require.ErrorAs(t, err, &topologyErr)
		assert.Equal(t, "exchange", topologyErr.Component)
		assert.False(t, env.broker.hasExchange("events"))
	})

	t.Run("force deletes and redeclares on conflict", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})
		env.broker.setConflict("events")

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
		require.NoError(t, err)

		require.NoError(t, exchange.Declare(context.Background(), WithForce()))
		assert.True(t, env.broker.hasExchange("events"))
		assert.Equal(t, 1, env.broker.declareCount("exchange", "events"))
	})
}

func TestExchange_Publish(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect([]string{"amqp://rabbit/"})

	exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
	require.NoError(t, err)
	require.NoError(t, exchange.Publish(context.Background(), "user.created", Publishing{Body: []byte("hello")}))

	simple, err := NewSimpleExchange("", 0, Borrow(conn))
	require.NoError(t, err)
	require.NoError(t, simple.Publish(context.Background(), "jobs", Publishing{Body: []byte("work")}))

	assert.Equal(t, []fakePublished{
		{exchange: "events", routingKey: "user.created", body: "hello"},
		{exchange: "", routingKey: "jobs", body: "work"},
	}, env.broker.publishedMessages())
	assert.Equal(t, 1, env.dialer.lastConn().channelCount())
}

func TestExchange_Close(t *testing.T) {
	t.Run("borrowed connection stays open", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})
		conn.SetCallback(OnOpen, "other", func(ctx context.Context) error { return nil })

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Borrow(conn))
		require.NoError(t, err)
		require.NoError(t, exchange.Declare(context.Background(), WithRestore()))

		require.NoError(t, exchange.Close(context.Background(), true))
		assert.False(t, env.broker.hasExchange("events"))
		assert.Equal(t, []string{"other"}, conn.Callbacks(OnOpen))
		assert.True(t, conn.IsOpen())
	})

	t.Run("owned connection is closed and released", func(t *testing.T) {
		env := newTestEnv(t)

		exchange, err := NewExchange(ExchangeDeclaration{Name: "events"}, Own(env.factory([]string{"amqp://rabbit/"})))
		require.NoError(t, err)
		require.NoError(t, exchange.Declare(context.Background(), WithRestore()))
		assert.Equal(t, 1, env.registry.Len())

		require.NoError(t, exchange.Close(context.Background(), false))
		assert.True(t, env.broker.hasExchange("events"))
		assert.True(t, exchange.Conn().IsClosed())
		assert.True(t, env.dialer.lastConn().IsClosed())
		assert.Equal(t, 0, env.registry.Len())

		assert.ErrorIs(t, exchange.Close(context.Background(), false), ErrAlreadyClosed)
	})

	t.Run("simple exchange closes only an owned connection", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect([]string{"amqp://rabbit/"})

		borrowed, err := NewSimpleExchange("amq.topic", 0, Borrow(conn))
		require.NoError(t, err)
		require.NoError(t, borrowed.Publish(context.Background(), "k", Publishing{}))
		require.NoError(t, borrowed.Close(context.Background()))
		assert.True(t, conn.IsOpen())

		owned, err := NewSimpleExchange("amq.topic", 0, Own(env.factory([]string{"amqp://rabbit/"})))
		require.NoError(t, err)
		require.NoError(t, owned.Publish(context.Background(), "k", Publishing{}))
		require.NoError(t, owned.Close(context.Background()))
		assert.True(t, owned.Conn().IsClosed())
	})
}
