package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/store"
	"github.com/textify/dispatch-go/topology"
)

// DeadLetterService drains the dead-letter queue into the failed-message
// archive and replays archived messages back onto their origin queue. It
// consumes through the broker directly: dead letters carry their context in
// delivery headers, and re-running the retry machinery on them would be
// circular.
type DeadLetterService struct {
	broker  queue.Broker
	archive store.FailedMessageStore
	logger  *slog.Logger

	mu     sync.Mutex
	handle queue.ConsumerHandle
}

// DeadLetterOption configures a DeadLetterService.
type DeadLetterOption func(*DeadLetterService)

// WithDeadLetterLogger sets the structured logger.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(s *DeadLetterService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewDeadLetterService builds the dead-letter archiver.
func NewDeadLetterService(broker queue.Broker, archive store.FailedMessageStore, opts ...DeadLetterOption) (*DeadLetterService, error) {
	if broker == nil {
		return nil, fmt.Errorf("services: broker cannot be nil")
	}
	if archive == nil {
		return nil, fmt.Errorf("services: failed-message archive cannot be nil")
	}
	s := &DeadLetterService{broker: broker, archive: archive, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins draining the dead-letter queue. Idempotent.
func (s *DeadLetterService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}

	handle, err := s.broker.Consume(ctx, topology.DeadLetterQueue, func(d queue.Delivery) {
		s.archiveDelivery(ctx, d)
	})
	if err != nil {
		return err
	}
	s.handle = handle
	s.logger.Info("dead-letter archiver started", "queue", topology.DeadLetterQueue)
	return nil
}

// Stop cancels the subscription. Idempotent.
func (s *DeadLetterService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Cancel()
	s.handle = nil
	return err
}

// archiveDelivery stores one dead letter and acks it. An archive outage
// requeues the delivery so nothing is dropped; the queue's own TTL bounds
// how long that can go on.
func (s *DeadLetterService) archiveDelivery(ctx context.Context, d queue.Delivery) {
	headers := d.Headers()

	msg := store.FailedMessage{
		OriginQueue: headerString(headers, "x-origin-queue"),
		MessageID:   d.MessageID(),
		Body:        d.Body(),
		Reason:      headerString(headers, "x-error"),
		RetryCount:  headerInt(headers, "x-retry-count"),
		FailedAt:    time.Now().UTC(),
	}
	if msg.OriginQueue == "" {
		msg.OriginQueue = d.RoutingKey()
	}

	id, err := s.archive.Save(ctx, msg)
	if err != nil {
		s.logger.Error("failed to archive dead letter, requeueing", "error", err)
		if nackErr := d.Nack(true); nackErr != nil {
			s.logger.Error("failed to requeue dead letter", "error", nackErr)
		}
		return
	}

	if err := d.Ack(); err != nil {
		s.logger.Warn("failed to ack dead letter", "archiveId", id, "error", err)
	}
	s.logger.Info("dead letter archived",
		"archiveId", id,
		"originQueue", msg.OriginQueue,
		"retryCount", msg.RetryCount,
		"reason", msg.Reason)
}

// Replay republishes an archived message to its origin queue and marks it
// replayed. The message keeps its original body, so its retry budget starts
// where it left off unless the consumer resets it.
func (s *DeadLetterService) Replay(ctx context.Context, id string) error {
	msg, err := s.archive.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.OriginQueue == "" {
		return fmt.Errorf("services: archived message %s has no origin queue", id)
	}

	err = s.broker.SendToQueue(ctx, msg.OriginQueue, msg.Body, queue.PublishOptions{
		MessageID: msg.MessageID,
		Headers:   map[string]any{"x-replayed-from": id},
	})
	if err != nil {
		return err
	}

	if err := s.archive.MarkReplayed(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.logger.Info("dead letter replayed", "archiveId", id, "queue", msg.OriginQueue)
	return nil
}

// List returns archived messages, newest first.
func (s *DeadLetterService) List(ctx context.Context, limit int) ([]store.FailedMessage, error) {
	return s.archive.List(ctx, limit)
}

func headerString(headers map[string]any, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}

func headerInt(headers map[string]any, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
