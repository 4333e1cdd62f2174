package queue

import (
	"time"

	"github.com/textify/dispatch-go/contracts"
)

// DeliveryObserver receives one callback per delivery disposition taken by a
// Service. Implementations must be safe for concurrent use and must not
// block; the engine calls them inline on the consumer loop.
type DeliveryObserver interface {
	// OnPublished fires after every publish attempt, successful or not.
	OnPublished(queue string, env *contracts.Envelope, err error)
	// OnProcessed fires when a delivery is acked after a successful handler run.
	OnProcessed(queue string, env *contracts.Envelope, elapsed time.Duration)
	// OnRetryScheduled fires when a retry envelope has been parked on the
	// delay queue. attempt is the retry count of the scheduled envelope.
	OnRetryScheduled(queue string, env *contracts.Envelope, attempt int, delay time.Duration)
	// OnDeadLettered fires when a delivery is forwarded to the dead-letter
	// exchange.
	OnDeadLettered(queue string, env *contracts.Envelope, reason string)
	// OnRejected fires when a delivery is rejected outright: unparseable
	// bodies and handler panics.
	OnRejected(queue string, reason string)
}

// NoopObserver implements DeliveryObserver with empty methods. Embed it to
// observe a subset of dispositions.
type NoopObserver struct{}

func (NoopObserver) OnPublished(string, *contracts.Envelope, error)                   {}
func (NoopObserver) OnProcessed(string, *contracts.Envelope, time.Duration)           {}
func (NoopObserver) OnRetryScheduled(string, *contracts.Envelope, int, time.Duration) {}
func (NoopObserver) OnDeadLettered(string, *contracts.Envelope, string)               {}
func (NoopObserver) OnRejected(string, string)                                        {}
