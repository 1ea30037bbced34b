// Package rabbitmq adapts github.com/rabbitmq/amqp091-go to the transport
// contract used by rmqlink.
//
// This package includes:
//   - Dialer: dials one endpoint with TLS, a context deadline and client properties
//   - connection: exposes NotifyClose as a closing signal
//   - channel: topology, publish and consume operations bounded by context deadlines
//
// amqp091-go operations are synchronous RPCs without context support; each one
// runs on its own goroutine and the caller stops waiting when its context is
// done. Broker rejections are wrapped so transport.IsPreconditionFailed and
// transport.IsConnectivityError can classify them.
package rabbitmq
