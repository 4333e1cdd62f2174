package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/textify/dispatch-go/queue"
)

// Publish sends one persistent message to an exchange. It honors broker flow
// control before touching the channel, so a blocked connection parks the
// publish instead of buffering into a dead socket.
func (cm *ConnectionManager) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts queue.PublishOptions) error {
	if err := cm.awaitUnblocked(ctx); err != nil {
		return err
	}
	ch, err := cm.channel(ctx, PublisherPurpose)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     opts.MessageID,
		CorrelationId: opts.CorrelationID,
		Priority:      opts.Priority,
		Timestamp:     opts.Timestamp,
		Body:          body,
	}
	if len(opts.Headers) > 0 {
		pub.Headers = amqp.Table(opts.Headers)
	}
	if opts.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		cm.channels.invalidate(PublisherPurpose)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// SendToQueue publishes straight to a queue through the default exchange.
func (cm *ConnectionManager) SendToQueue(ctx context.Context, queueName string, body []byte, opts queue.PublishOptions) error {
	return cm.Publish(ctx, "", queueName, body, opts)
}

// QueueInfo inspects a queue's depth and consumer count.
func (cm *ConnectionManager) QueueInfo(ctx context.Context, queueName string) (queue.QueueInfo, error) {
	ch, err := cm.channel(ctx, queryPurpose)
	if err != nil {
		return queue.QueueInfo{}, err
	}

	q, err := ch.QueueInspect(queueName)
	if err != nil {
		// A failed passive declare closes the channel.
		cm.channels.invalidate(queryPurpose)
		return queue.QueueInfo{}, &ChannelError{Op: "inspect", Purpose: queryPurpose, Err: err, Timestamp: time.Now()}
	}
	return queue.QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Consume opens a manual-ack subscription on a queue. One subscription per
// queue; the handler is invoked inline on the delivery loop, so the
// configured prefetch bounds concurrency. The subscription survives
// reconnects until its handle is cancelled.
func (cm *ConnectionManager) Consume(ctx context.Context, queueName string, handler func(queue.Delivery)) (queue.ConsumerHandle, error) {
	cm.subsMu.Lock()
	if _, exists := cm.subs[queueName]; exists {
		cm.subsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConsuming, queueName)
	}
	sub := &subscription{
		cm:      cm,
		queue:   queueName,
		tag:     "dispatch-" + uuid.New().String(),
		handler: handler,
	}
	cm.subs[queueName] = sub
	cm.subsMu.Unlock()

	if err := cm.startSubscription(ctx, sub); err != nil {
		cm.subsMu.Lock()
		delete(cm.subs, queueName)
		cm.subsMu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (cm *ConnectionManager) startSubscription(ctx context.Context, sub *subscription) error {
	purpose := ConsumerPurpose(sub.queue)
	ch, err := cm.channel(ctx, purpose)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		cm.channels.invalidate(purpose)
		return &ConsumerError{Queue: sub.queue, ConsumerTag: sub.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	sub.loops.Add(1)
	go func() {
		defer sub.loops.Done()
		for d := range deliveries {
			sub.handler(&amqpDelivery{d: d})
		}
	}()
	return nil
}

// resubscribeAll reopens every live subscription on the fresh connection.
func (cm *ConnectionManager) resubscribeAll() {
	cm.subsMu.Lock()
	subs := make([]*subscription, 0, len(cm.subs))
	for _, sub := range cm.subs {
		subs = append(subs, sub)
	}
	cm.subsMu.Unlock()

	for _, sub := range subs {
		if sub.isCancelled() {
			continue
		}
		if err := cm.startSubscription(context.Background(), sub); err != nil {
			cm.logger.Error("failed to resubscribe consumer", "queue", sub.queue, "error", err)
			continue
		}
		cm.logger.Info("consumer resubscribed", "queue", sub.queue)
	}
}

// subscription is one queue's consumer registration. It implements
// queue.ConsumerHandle.
type subscription struct {
	cm      *ConnectionManager
	queue   string
	tag     string
	handler func(queue.Delivery)

	mu        sync.Mutex
	cancelled bool
	loops     sync.WaitGroup
}

func (s *subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel stops the subscription and waits for its delivery loop to drain.
// Idempotent.
func (s *subscription) Cancel() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	s.cm.subsMu.Lock()
	delete(s.cm.subs, s.queue)
	s.cm.subsMu.Unlock()

	var cancelErr error
	if ch, ok := s.cm.channels.peek(ConsumerPurpose(s.queue)); ok {
		cancelErr = ch.Cancel(s.tag, false)
	}
	s.loops.Wait()

	if cancelErr != nil {
		return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "cancel", Err: cancelErr, Timestamp: time.Now()}
	}
	return nil
}

// amqpDelivery adapts an amqp091 delivery to queue.Delivery.
type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte            { return a.d.Body }
func (a *amqpDelivery) Headers() map[string]any { return a.d.Headers }
func (a *amqpDelivery) MessageID() string       { return a.d.MessageId }
func (a *amqpDelivery) RoutingKey() string      { return a.d.RoutingKey }
func (a *amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a *amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
