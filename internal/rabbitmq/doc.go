// Package rabbitmq owns the AMQP 0-9-1 transport: one supervised connection,
// purpose-keyed channels, topology declaration and the broker operations the
// delivery engine builds on.
//
// The ConnectionManager is the only component that touches amqp091 directly.
// It re-declares the topology on every (re)connect, resubscribes consumers
// after a connection drop, and reports state transitions to registered
// listeners. Everything above it works against the queue.Broker interface.
package rabbitmq
