// Package topology holds the declarative broker layout and delivery policies:
// exchanges, queues with their TTL / priority / dead-letter arguments,
// bindings, retry strategies and the environment-driven broker configuration.
//
// The topology is data, not behavior. It is declared idempotently by the
// connection manager on every connect, so redeploying with the same
// descriptor never errors and leaves exactly one set of exchanges, queues
// and bindings on the broker.
package topology
