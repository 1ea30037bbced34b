package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/glimte/rmqlink/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionTimeout is returned when dialing does not finish in time.
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// ErrChannelCreationFailed is returned when the broker refuses a new channel.
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// classify tags broker errors with the transport sentinels they correspond to.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch {
		case amqpErr.Code == amqp.PreconditionFailed:
			return fmt.Errorf("%w: %w", transport.ErrPreconditionFailed, err)
		case amqpErr == amqp.ErrClosed:
			return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
		}
	}

	return err
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
