package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rmqlink/transport"
)

// DefaultMessageThreshold is the queue depth above which a queue is degraded.
const DefaultMessageThreshold = 10000

// Conn is the part of *rmqlink.Connection the checkers use.
type Conn interface {
	String() string
	IsOpen() bool
	NewChannel(ctx context.Context) (transport.Channel, error)
}

// ConnectionChecker checks that a connection is open and can open channels.
type ConnectionChecker struct {
	name string
	conn Conn
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(name string, conn Conn) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"connection": c.conn.String(),
		},
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	open := c.conn.IsOpen()
	result.Details["connection_open"] = open
	if !open {
		result.Status = StatusUnhealthy
		result.Message = "Connection is not open"
		return result
	}

	// NewChannel would reopen a closed handle, so it only runs on open ones.
	ch, err := c.conn.NewChannel(ctx)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Details["response_time_ms"] = time.Since(start).Milliseconds()
	return result
}

// QueueChecker checks if a specific queue exists and is accessible
type QueueChecker struct {
	queueName string
	conn      Conn
	threshold int
}

// QueueCheckerOption configures a QueueChecker
type QueueCheckerOption func(*QueueChecker)

// WithMessageThreshold sets the queue depth above which the queue is degraded
func WithMessageThreshold(threshold int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.threshold = threshold
	}
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(queueName string, conn Conn, options ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{
		queueName: queueName,
		conn:      conn,
		threshold: DefaultMessageThreshold,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	if !c.conn.IsOpen() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is not open"
		return result
	}

	// A failed passive declare closes the channel, so use a throwaway one.
	ch, err := c.conn.NewChannel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel"
		result.Error = err.Error()
		return result
	}
	defer ch.Close()

	queue, err := ch.QueueInspect(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if c.threshold > 0 && queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	return result
}
