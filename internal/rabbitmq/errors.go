package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotConnected is returned by broker operations attempted while the
	// connection is down and the manager is configured to fail fast.
	ErrNotConnected = errors.New("rabbitmq: not connected")

	// ErrShutdown is returned once Close has been called.
	ErrShutdown = errors.New("rabbitmq: connection manager is shut down")

	// ErrReconnectExhausted signals that the reconnection budget ran out.
	ErrReconnectExhausted = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// ErrConnectionTimeout signals that a dial attempt exceeded its deadline.
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// ErrAlreadyConsuming is returned when a second subscription is opened
	// on a queue that already has one.
	ErrAlreadyConsuming = errors.New("rabbitmq: queue already has a consumer")
)

// ConnectionError describes a failed connection-level operation.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError describes a failed channel-level operation.
type ChannelError struct {
	Op        string
	Purpose   string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on %s channel: %v", e.Op, e.Purpose, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError describes a failed publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError describes a failed consumer operation.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError describes a failed exchange, queue or binding declaration.
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL redacts credentials from a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
