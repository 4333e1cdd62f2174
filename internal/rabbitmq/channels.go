package rabbitmq

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known channel purposes. Consumer channels are keyed per queue with
// ConsumerPurpose.
const (
	PublisherPurpose = "publisher"
	queryPurpose     = "query"
)

// ConsumerPurpose returns the registry key for a queue's consumer channel.
func ConsumerPurpose(queue string) string {
	return "consumer:" + queue
}

// channelRegistry tracks one live channel per purpose. Channels are opened
// lazily and reopened when the previous one for the purpose has closed. The
// whole registry is dropped on disconnect; the next caller reopens against
// the new connection.
type channelRegistry struct {
	mu       sync.Mutex
	channels map[string]*amqp.Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[string]*amqp.Channel)}
}

// get returns the live channel for the purpose, opening one via open when
// none exists or the cached one has closed.
func (r *channelRegistry) get(purpose string, open func() (*amqp.Channel, error)) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[purpose]; ok && !ch.IsClosed() {
		return ch, nil
	}

	ch, err := open()
	if err != nil {
		return nil, err
	}
	r.channels[purpose] = ch
	return ch, nil
}

// peek returns the live channel for a purpose without opening one.
func (r *channelRegistry) peek(purpose string) (*amqp.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[purpose]
	if !ok || ch.IsClosed() {
		return nil, false
	}
	return ch, true
}

// invalidate forgets the channel for a purpose so the next get reopens it.
func (r *channelRegistry) invalidate(purpose string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, purpose)
}

// reset drops every cached channel without closing: used after a connection
// loss, when the channels are already dead.
func (r *channelRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]*amqp.Channel)
}

// closeAll closes every cached channel: used on orderly shutdown.
func (r *channelRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for purpose, ch := range r.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		delete(r.channels, purpose)
	}
}
