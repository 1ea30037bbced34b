package rmqlink

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/glimte/rmqlink/internal/reliability"
	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultConnectTimeout bounds connecting to a single endpoint, retries included.
	DefaultConnectTimeout = 15 * time.Second

	// connectionTimeoutParam overrides DefaultConnectTimeout for one endpoint, in milliseconds.
	connectionTimeoutParam = "connection_timeout"
)

// Backoff is a schedule of retry delays.
type Backoff = reliability.Backoff

// Delays returns a finite retry schedule.
func Delays(steps ...time.Duration) Backoff {
	return reliability.Delays(steps...)
}

// Forever returns a schedule repeating d until the operation succeeds or is cancelled.
func Forever(d time.Duration) Backoff {
	return reliability.Forever(d)
}

// DefaultReconnectBackoff is used after an unexpected connection loss: an
// immediate attempt, a short pause, then a constant period indefinitely.
var DefaultReconnectBackoff = reliability.Delays(0, 3*time.Second).ThenForever(5 * time.Second)

type connectionConfig struct {
	name           string
	tlsConfigs     []*tls.Config
	retry          Backoff
	retryIf        func(error) bool
	connectTimeout time.Duration
	reconnect      Backoff
	dialer         transport.Dialer
	amqpConfig     amqp.Config
	registry       *Registry
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// ConnectionOption configures a Connection
type ConnectionOption func(*connectionConfig)

func defaultConnectionConfig() *connectionConfig {
	return &connectionConfig{
		retryIf:        transport.IsConnectivityError,
		connectTimeout: DefaultConnectTimeout,
		reconnect:      DefaultReconnectBackoff,
		registry:       DefaultRegistry,
		logger:         slog.Default(),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
}

// WithName sets the connection name. Handles with the same name and endpoint
// set share one transport connection.
func WithName(name string) ConnectionOption {
	return func(c *connectionConfig) {
		c.name = name
	}
}

// WithTLSConfigs sets one TLS configuration per endpoint, in endpoint order.
// A nil entry dials that endpoint without TLS.
func WithTLSConfigs(configs ...*tls.Config) ConnectionOption {
	return func(c *connectionConfig) {
		c.tlsConfigs = configs
	}
}

// WithRetry sets the retry schedule used while connecting to the current endpoint.
func WithRetry(backoff Backoff) ConnectionOption {
	return func(c *connectionConfig) {
		c.retry = backoff
	}
}

// WithRetryIf sets which connect errors are retried
func WithRetryIf(retryIf func(error) bool) ConnectionOption {
	return func(c *connectionConfig) {
		c.retryIf = retryIf
	}
}

// WithConnectTimeout sets the per-endpoint connect timeout
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.connectTimeout = timeout
	}
}

// WithReconnectBackoff sets the schedule used to reconnect after a connection loss.
func WithReconnectBackoff(backoff Backoff) ConnectionOption {
	return func(c *connectionConfig) {
		c.reconnect = backoff
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(dialer transport.Dialer) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialer = dialer
	}
}

// WithAMQPConfig sets the amqp091-go configuration used by the default dialer.
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(c *connectionConfig) {
		c.amqpConfig = config
	}
}

// WithRegistry sets the registry holding shared connection state.
func WithRegistry(registry *Registry) ConnectionOption {
	return func(c *connectionConfig) {
		c.registry = registry
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		c.logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(provider metric.MeterProvider) ConnectionOption {
	return func(c *connectionConfig) {
		c.meterProvider = provider
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(provider trace.TracerProvider) ConnectionOption {
	return func(c *connectionConfig) {
		c.tracerProvider = provider
	}
}
