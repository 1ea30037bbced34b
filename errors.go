package rmqlink

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/rmqlink/internal/failover"
	"github.com/glimte/rmqlink/transport"
)

var (
	// ErrInvalidConfiguration is returned by constructors given inconsistent options.
	ErrInvalidConfiguration = errors.New("rmqlink: invalid configuration")

	// ErrAlreadyClosed is returned by entity Close when the owning connection is closed.
	ErrAlreadyClosed = errors.New("rmqlink: already closed")

	// ErrReleased is returned when a released Connection is used again.
	ErrReleased = errors.New("rmqlink: connection released")

	// ErrNotConnected is returned when no live transport is available.
	ErrNotConnected = fmt.Errorf("rmqlink: not connected: %w", transport.ErrConnectionClosed)

	// ErrExhausted wraps the last endpoint's error when every endpoint failed
	// in one connect cycle.
	ErrExhausted = failover.ErrExhausted
)

// TopologyError represents a failed declare, bind or delete
type TopologyError struct {
	Component string    // exchange, queue or binding
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rmqlink topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func topologyError(component, name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
