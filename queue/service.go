package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/topology"
)

// Processor handles one decoded envelope and reports the outcome. Processors
// never ack, nack or republish; the engine owns the disposition.
type Processor interface {
	Process(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult

func (f ProcessorFunc) Process(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
	return f(ctx, env)
}

// Config binds a Service to one queue and its reliability topology.
type Config struct {
	// Queue is the work queue this service consumes from.
	Queue string
	// Exchange and RoutingKey address outbound publishes. An empty Exchange
	// publishes directly to Queue.
	Exchange   string
	RoutingKey string
	// RetryQueue is the delay companion retries are parked on.
	RetryQueue string
	// Retry is the backoff policy for retryable failures.
	Retry topology.RetryStrategy
	// DeadLetterExchange and DeadLetterRoutingKey address terminal failures.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Service is the delivery engine for one logical queue.
type Service struct {
	broker    Broker
	cfg       Config
	processor Processor
	logger    *slog.Logger
	observers []DeliveryObserver

	mu        sync.Mutex
	consuming bool
	handle    ConsumerHandle
	inflight  sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers a delivery observer. May be given multiple times.
func WithObserver(obs DeliveryObserver) Option {
	return func(s *Service) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// NewService builds the engine for one queue.
func NewService(broker Broker, cfg Config, processor Processor, opts ...Option) (*Service, error) {
	if broker == nil {
		return nil, fmt.Errorf("queue: broker cannot be nil")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue: queue name cannot be empty")
	}
	if processor == nil {
		return nil, fmt.Errorf("queue: processor cannot be nil")
	}

	s := &Service{
		broker:    broker,
		cfg:       cfg,
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Queue returns the work queue this service is bound to.
func (s *Service) Queue() string {
	return s.cfg.Queue
}

// IsConsuming reports whether the consumer loop is running.
func (s *Service) IsConsuming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consuming
}

// Publish serializes the envelope and sends it through the configured
// exchange, or directly to the work queue when no exchange is configured.
// Envelope metadata is stamped onto the broker message so it survives into
// dead-letter annotations.
func (s *Service) Publish(ctx context.Context, env *contracts.Envelope, opts PublishOptions) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: failed to serialize envelope %s: %w", env.ID, err)
	}

	opts.MessageID = env.ID
	if opts.CorrelationID == "" {
		opts.CorrelationID = env.CorrelationID
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = env.Timestamp
	}

	if s.cfg.Exchange == "" {
		err = s.broker.SendToQueue(ctx, s.cfg.Queue, body, opts)
	} else {
		err = s.broker.Publish(ctx, s.cfg.Exchange, s.cfg.RoutingKey, body, opts)
	}
	s.notifyPublished(env, err)
	if err != nil {
		return fmt.Errorf("queue: failed to publish %s to %s: %w", env.ID, s.cfg.Queue, err)
	}
	return nil
}

// StartConsuming begins the push-based consumer loop. Calling it while
// already consuming is a no-op.
func (s *Service) StartConsuming(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consuming {
		return nil
	}

	handle, err := s.broker.Consume(ctx, s.cfg.Queue, func(d Delivery) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		s.handleDelivery(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("queue: failed to start consuming %s: %w", s.cfg.Queue, err)
	}

	s.handle = handle
	s.consuming = true
	s.logger.Info("consumer started", "queue", s.cfg.Queue)
	return nil
}

// StopConsuming cancels the subscription and waits for in-flight deliveries
// to reach their disposition. Calling it while not consuming is a no-op.
func (s *Service) StopConsuming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.consuming {
		return nil
	}

	err := s.handle.Cancel()
	s.inflight.Wait()
	s.handle = nil
	s.consuming = false
	s.logger.Info("consumer stopped", "queue", s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("queue: failed to cancel consumer for %s: %w", s.cfg.Queue, err)
	}
	return nil
}

// Stats returns a snapshot of the work queue.
func (s *Service) Stats(ctx context.Context) (QueueInfo, error) {
	return s.broker.QueueInfo(ctx, s.cfg.Queue)
}

// handleDelivery runs the delivery algorithm for one message. Exactly one
// disposition is taken per delivery.
func (s *Service) handleDelivery(ctx context.Context, d Delivery) {
	env, err := contracts.ParseEnvelope(d.Body())
	if err != nil {
		s.reject(d, err.Error())
		return
	}

	start := time.Now()
	result, panicked := s.process(ctx, env)
	if panicked {
		s.reject(d, fmt.Sprintf("handler panic on %s: %v", env.ID, result.Err))
		return
	}

	switch {
	case result.Success:
		s.ack(d, env)
		s.notifyProcessed(env, time.Since(start))

	case result.Retryable && env.RetryCount < s.retryBudget(env):
		s.scheduleRetry(ctx, d, env, result.Err)

	default:
		s.deadLetter(ctx, d, env, result.Err)
	}
}

// process invokes the handler with panic isolation. A panicking handler
// yields a failed result and panicked=true so the delivery is rejected
// rather than retried.
func (s *Service) process(ctx context.Context, env *contracts.Envelope) (result contracts.ProcessingResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			result = contracts.ProcessingResult{Err: fmt.Errorf("panic: %v", r)}
			s.logger.Error("handler panicked",
				"queue", s.cfg.Queue,
				"messageId", env.ID,
				"panic", r)
		}
	}()
	return s.processor.Process(ctx, env), false
}

func (s *Service) retryBudget(env *contracts.Envelope) int {
	if env.MaxRetries > 0 {
		return env.MaxRetries
	}
	return s.cfg.Retry.MaxRetries
}

// scheduleRetry republishes a fresh envelope to the delay queue with the
// backoff as its expiration, then acks the original. The delay queue
// dead-letters expired messages back onto the work exchange.
func (s *Service) scheduleRetry(ctx context.Context, d Delivery, env *contracts.Envelope, cause error) {
	retryEnv := env.Retry()
	delay := s.cfg.Retry.Delay(env.RetryCount)

	body, err := json.Marshal(retryEnv)
	if err != nil {
		// Cannot happen for an envelope that just round-tripped, but a lost
		// message is worse than a redelivery.
		s.logger.Error("failed to serialize retry envelope", "messageId", env.ID, "error", err)
		s.nackRequeue(d, env)
		return
	}

	err = s.broker.SendToQueue(ctx, s.cfg.RetryQueue, body, PublishOptions{
		MessageID:     retryEnv.ID,
		CorrelationID: retryEnv.CorrelationID,
		Expiration:    delay,
		Timestamp:     retryEnv.Timestamp,
	})
	if err != nil {
		s.logger.Error("failed to schedule retry, requeueing original",
			"queue", s.cfg.Queue,
			"messageId", env.ID,
			"error", err)
		s.nackRequeue(d, env)
		return
	}

	s.ack(d, env)
	s.logger.Warn("retry scheduled",
		"queue", s.cfg.Queue,
		"messageId", env.ID,
		"retryId", retryEnv.ID,
		"attempt", retryEnv.RetryCount,
		"delay", delay,
		"error", cause)
	s.notifyRetryScheduled(retryEnv, retryEnv.RetryCount, delay)
}

// deadLetter forwards the original envelope to the dead-letter exchange,
// annotated with its origin, then acks it.
func (s *Service) deadLetter(ctx context.Context, d Delivery, env *contracts.Envelope, cause error) {
	reason := "retry budget exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	err := s.broker.Publish(ctx, s.cfg.DeadLetterExchange, s.cfg.DeadLetterRoutingKey, d.Body(), PublishOptions{
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Headers: map[string]any{
			"x-origin-queue": s.cfg.Queue,
			"x-error":        reason,
			"x-retry-count":  int32(env.RetryCount),
		},
	})
	if err != nil {
		s.logger.Error("failed to dead-letter, requeueing original",
			"queue", s.cfg.Queue,
			"messageId", env.ID,
			"error", err)
		s.nackRequeue(d, env)
		return
	}

	s.ack(d, env)
	s.logger.Error("message dead-lettered",
		"queue", s.cfg.Queue,
		"messageId", env.ID,
		"retryCount", env.RetryCount,
		"reason", reason)
	s.notifyDeadLettered(env, reason)
}

func (s *Service) ack(d Delivery, env *contracts.Envelope) {
	if err := d.Ack(); err != nil {
		s.logger.Warn("failed to ack delivery", "queue", s.cfg.Queue, "messageId", env.ID, "error", err)
	}
}

// nackRequeue returns a delivery to the broker after an infrastructure
// failure prevented the normal disposition. This is the only path that
// requeues.
func (s *Service) nackRequeue(d Delivery, env *contracts.Envelope) {
	if err := d.Nack(true); err != nil {
		s.logger.Error("failed to requeue delivery", "queue", s.cfg.Queue, "messageId", env.ID, "error", err)
	}
}

func (s *Service) reject(d Delivery, reason string) {
	if err := d.Nack(false); err != nil {
		s.logger.Error("failed to reject delivery", "queue", s.cfg.Queue, "error", err)
	}
	s.logger.Error("delivery rejected", "queue", s.cfg.Queue, "reason", reason)
	s.notifyRejected(reason)
}

func (s *Service) notifyPublished(env *contracts.Envelope, err error) {
	for _, obs := range s.observers {
		obs.OnPublished(s.cfg.Queue, env, err)
	}
}

func (s *Service) notifyProcessed(env *contracts.Envelope, elapsed time.Duration) {
	for _, obs := range s.observers {
		obs.OnProcessed(s.cfg.Queue, env, elapsed)
	}
}

func (s *Service) notifyRetryScheduled(env *contracts.Envelope, attempt int, delay time.Duration) {
	for _, obs := range s.observers {
		obs.OnRetryScheduled(s.cfg.Queue, env, attempt, delay)
	}
}

func (s *Service) notifyDeadLettered(env *contracts.Envelope, reason string) {
	for _, obs := range s.observers {
		obs.OnDeadLettered(s.cfg.Queue, env, reason)
	}
}

func (s *Service) notifyRejected(reason string) {
	for _, obs := range s.observers {
		obs.OnRejected(s.cfg.Queue, reason)
	}
}
