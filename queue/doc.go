// Package queue implements the generic reliable-delivery engine.
//
// A Service is one logical queue: it publishes envelopes through a Broker and
// consumes them with a push-based loop bound to a domain Processor. The engine
// owns the delivery algorithm:
//   - success → ack
//   - retryable failure under the retry budget → republish a fresh envelope to
//     the queue's delay companion with the computed backoff as its expiration,
//     then ack the original (a retry is a new message, never a broker requeue)
//   - terminal failure or exhausted budget → forward to the dead-letter
//     exchange with origin annotations, then ack the original
//   - unparseable body or handler panic → reject without requeue
//
// Every delivery receives exactly one terminal disposition; nothing is ever
// silently dropped. Observers receive one callback per disposition.
package queue
