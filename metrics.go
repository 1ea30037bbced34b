package rmqlink

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/glimte/rmqlink"

// connMetrics records connection lifecycle metrics for one handle.
type connMetrics struct {
	attempts       metric.Int64Counter
	failures       metric.Int64Counter
	opens          metric.Int64Counter
	losses         metric.Int64Counter
	callbackErrors metric.Int64Counter
	attrs          attribute.Set
}

func newConnMetrics(provider metric.MeterProvider, name string) (*connMetrics, error) {
	meter := provider.Meter(instrumentationName)

	attempts, err := meter.Int64Counter(
		"rmqlink.connect.attempts",
		metric.WithDescription("Number of dial attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"rmqlink.connect.failures",
		metric.WithDescription("Number of failed dial attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	opens, err := meter.Int64Counter(
		"rmqlink.connection.opens",
		metric.WithDescription("Number of times a handle was opened"),
		metric.WithUnit("{open}"),
	)
	if err != nil {
		return nil, err
	}

	losses, err := meter.Int64Counter(
		"rmqlink.connection.losses",
		metric.WithDescription("Number of unexpected connection losses"),
		metric.WithUnit("{loss}"),
	)
	if err != nil {
		return nil, err
	}

	callbackErrors, err := meter.Int64Counter(
		"rmqlink.callback.errors",
		metric.WithDescription("Number of failed connection callbacks"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &connMetrics{
		attempts:       attempts,
		failures:       failures,
		opens:          opens,
		losses:         losses,
		callbackErrors: callbackErrors,
		attrs:          attribute.NewSet(attribute.String("rmqlink.connection", name)),
	}, nil
}

func (m *connMetrics) dialed(ctx context.Context, host string, err error) {
	opt := metric.WithAttributes(append(m.attrs.ToSlice(), attribute.String("server.address", host))...)
	m.attempts.Add(ctx, 1, opt)
	if err != nil {
		m.failures.Add(ctx, 1, opt)
	}
}

func (m *connMetrics) opened(ctx context.Context) {
	m.opens.Add(ctx, 1, metric.WithAttributeSet(m.attrs))
}

func (m *connMetrics) lost(ctx context.Context) {
	m.losses.Add(ctx, 1, metric.WithAttributeSet(m.attrs))
}

func (m *connMetrics) callbackFailed(ctx context.Context, event Event) {
	opt := metric.WithAttributes(append(m.attrs.ToSlice(), attribute.String("rmqlink.event", event.String()))...)
	m.callbackErrors.Add(ctx, 1, opt)
}
