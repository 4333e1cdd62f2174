package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/queue"
)

// ChannelDeliverer delivers one notification over one channel: a socket
// gateway, an email sender, an SMS gateway.
type ChannelDeliverer interface {
	Channel() contracts.Channel
	Deliver(ctx context.Context, msg *contracts.NotificationMessage) error
}

// NotificationService publishes notifications and routes broadcast
// deliveries onto the per-channel queues. Actual delivery happens in the
// channel consumers, each under its own retry budget.
type NotificationService struct {
	pub      Publisher
	channels map[contracts.Channel]Publisher
	logger   *slog.Logger
}

// NotificationOption configures a NotificationService.
type NotificationOption func(*NotificationService)

// WithNotificationLogger sets the structured logger.
func WithNotificationLogger(logger *slog.Logger) NotificationOption {
	return func(s *NotificationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewNotificationService builds the notification domain service. channels
// maps each deliverable channel to the publisher for its dedicated queue.
func NewNotificationService(pub Publisher, channels map[contracts.Channel]Publisher, opts ...NotificationOption) (*NotificationService, error) {
	if pub == nil {
		return nil, fmt.Errorf("services: notification publisher cannot be nil")
	}

	routes := make(map[contracts.Channel]Publisher, len(channels))
	for ch, p := range channels {
		routes[ch] = p
	}

	s := &NotificationService{pub: pub, channels: routes, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SendNotification validates and publishes one notification. Its AMQP
// priority follows the notification priority; an expiry becomes the
// per-message TTL so the broker drops it unseen once it lapses.
func (s *NotificationService) SendNotification(ctx context.Context, p contracts.NotificationParams) error {
	msg := contracts.NewNotificationMessage(p)
	env, err := contracts.NewEnvelope(msg)
	if err != nil {
		return err
	}
	if msg.TaskID != "" {
		env.WithCorrelationID(msg.TaskID)
	}

	if msg.ExpiresAt != nil && !time.Now().Before(*msg.ExpiresAt) {
		return fmt.Errorf("services: notification for user %s is already expired", msg.UserID)
	}
	return s.pub.Publish(ctx, env, deliveryOptions(msg))
}

// SendBatch publishes every notification, collecting per-message failures.
func (s *NotificationService) SendBatch(ctx context.Context, params []contracts.NotificationParams) error {
	var errs []error
	for _, p := range params {
		if err := s.SendNotification(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("notification for user %s: %w", p.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastMaintenance publishes a system maintenance announcement on the
// socket channel.
func (s *NotificationService) BroadcastMaintenance(ctx context.Context, title, body string, expiresAt *time.Time) error {
	return s.SendNotification(ctx, contracts.NotificationParams{
		UserID:    "system",
		Type:      contracts.NotifySystemMaintenance,
		Title:     title,
		Body:      body,
		Priority:  contracts.PriorityHigh,
		Channels:  []contracts.Channel{contracts.ChannelSocket},
		ExpiresAt: expiresAt,
	})
}

// Process implements queue.Processor for the broadcast queue: republish one
// fresh envelope per requested channel onto that channel's queue. A channel
// that cannot be routed is a failure for that channel only; the broadcast
// succeeds when at least one channel accepts the message and only a full
// miss is retried. Delivery failures past this point are the channel
// consumers' business.
func (s *NotificationService) Process(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
	msg, err := contracts.DecodeMessage(env)
	if err != nil {
		return contracts.PermanentFailure(err)
	}
	notification, ok := msg.(*contracts.NotificationMessage)
	if !ok {
		return contracts.PermanentFailure(fmt.Errorf("services: expected a notification message, got %s", env.Type))
	}

	if expired(notification) {
		s.logger.Info("dropping expired notification",
			"userId", notification.UserID,
			"type", notification.Type)
		return contracts.Succeed(nil)
	}

	correlation := env.CorrelationID
	if correlation == "" {
		correlation = env.ID
	}

	var (
		routed int
		errs   []error
	)
	for _, ch := range notification.Channels {
		pub, ok := s.channels[ch]
		if !ok {
			errs = append(errs, fmt.Errorf("no queue route for channel %s", ch))
			continue
		}

		chEnv, err := contracts.NewEnvelope(notification)
		if err != nil {
			return contracts.PermanentFailure(err)
		}
		chEnv.WithCorrelationID(correlation)

		if err := pub.Publish(ctx, chEnv, deliveryOptions(notification)); err != nil {
			s.logger.Warn("failed to route notification to channel queue",
				"userId", notification.UserID,
				"channel", ch,
				"error", err)
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			continue
		}
		routed++
	}

	if routed > 0 {
		return contracts.Succeed(routed)
	}
	return contracts.RetryableFailure(fmt.Errorf("no channel accepted the notification for user %s: %w",
		notification.UserID, errors.Join(errs...)))
}

// deliveryOptions maps the notification's priority and expiry onto broker
// message options.
func deliveryOptions(msg *contracts.NotificationMessage) queue.PublishOptions {
	opts := queue.PublishOptions{Priority: msg.Priority.AMQPPriority()}
	if msg.ExpiresAt != nil {
		if ttl := time.Until(*msg.ExpiresAt); ttl > 0 {
			opts.Expiration = ttl
		}
	}
	return opts
}

func expired(msg *contracts.NotificationMessage) bool {
	return msg.ExpiresAt != nil && time.Now().After(*msg.ExpiresAt)
}

// deliverIsolated shields the consumer loop from a misbehaving deliverer.
func deliverIsolated(ctx context.Context, d ChannelDeliverer, msg *contracts.NotificationMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panicked: %v", r)
		}
	}()
	return d.Deliver(ctx, msg)
}

// NewChannelProcessor adapts a single deliverer into a queue.Processor for
// its dedicated channel queue. Every delivery error takes the retry path;
// the channel queue's own budget decides when to give up.
func NewChannelProcessor(d ChannelDeliverer, logger *slog.Logger) queue.Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return queue.ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
		msg, err := contracts.DecodeMessage(env)
		if err != nil {
			return contracts.PermanentFailure(err)
		}
		notification, ok := msg.(*contracts.NotificationMessage)
		if !ok {
			return contracts.PermanentFailure(fmt.Errorf("services: expected a notification message, got %s", env.Type))
		}
		if expired(notification) {
			logger.Info("dropping expired notification",
				"userId", notification.UserID,
				"channel", d.Channel())
			return contracts.Succeed(nil)
		}
		if err := deliverIsolated(ctx, d, notification); err != nil {
			return contracts.RetryableFailure(err)
		}
		return contracts.Succeed(nil)
	})
}
