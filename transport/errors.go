package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionClosed is returned when an operation needs a connection or
	// channel that has already gone away.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrPreconditionFailed marks a declaration rejected because the broker
	// already holds the object with different parameters.
	ErrPreconditionFailed = errors.New("transport: precondition failed")
)

// IsConnectivityError reports whether err means the broker could not be
// reached or the link dropped: timeouts, refused or reset sockets, name
// resolution failures and connection-level AMQP closes.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, amqp.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.InternalError:
			return true
		}
	}

	return false
}

// IsPreconditionFailed reports whether err is a broker PRECONDITION_FAILED
// rejection.
func IsPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPreconditionFailed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}
