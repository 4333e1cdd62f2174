package queue

import (
	"context"
	"time"
)

// PublishOptions carries broker-level metadata for one publish.
type PublishOptions struct {
	MessageID     string
	CorrelationID string
	Priority      uint8
	// Expiration is the per-message TTL. Zero means no expiration.
	Expiration time.Duration
	Timestamp  time.Time
	Headers    map[string]any
}

// Delivery is one message handed to a consumer, bounded by the ack or nack
// call that ends it.
type Delivery interface {
	Body() []byte
	Headers() map[string]any
	MessageID() string
	RoutingKey() string
	// Ack marks the delivery successfully processed.
	Ack() error
	// Nack rejects the delivery, optionally requeueing it.
	Nack(requeue bool) error
}

// ConsumerHandle cancels a running subscription. Cancel returns after the
// consumer loop has stopped dispatching.
type ConsumerHandle interface {
	Cancel() error
}

// QueueInfo is a point-in-time snapshot of a queue.
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// Broker is the transport surface the engine needs. The AMQP connection
// manager implements it; tests substitute a mock.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error
	SendToQueue(ctx context.Context, queue string, body []byte, opts PublishOptions) error
	Consume(ctx context.Context, queue string, handler func(Delivery)) (ConsumerHandle, error)
	QueueInfo(ctx context.Context, queue string) (QueueInfo, error)
}
