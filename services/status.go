package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/store"
)

// StatusService publishes task status updates and, as the status sink,
// persists them with the lifecycle state machine enforced.
type StatusService struct {
	pub    Publisher
	store  store.StatusStore
	logger *slog.Logger
}

// StatusOption configures a StatusService.
type StatusOption func(*StatusService)

// WithStatusLogger sets the structured logger.
func WithStatusLogger(logger *slog.Logger) StatusOption {
	return func(s *StatusService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStatusService builds the status domain service. The store may be nil in
// publish-only deployments; Process then refuses to run.
func NewStatusService(pub Publisher, st store.StatusStore, opts ...StatusOption) (*StatusService, error) {
	if pub == nil {
		return nil, fmt.Errorf("services: status publisher cannot be nil")
	}
	s := &StatusService{pub: pub, store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UpdateStatus validates and publishes one status update.
func (s *StatusService) UpdateStatus(ctx context.Context, p contracts.StatusParams) error {
	msg := contracts.NewStatusMessage(p)
	env, err := contracts.NewEnvelope(msg)
	if err != nil {
		return err
	}
	env.WithCorrelationID(msg.TaskID)
	return s.pub.Publish(ctx, env, queue.PublishOptions{})
}

// GetStatus returns the latest persisted record for a task.
func (s *StatusService) GetStatus(ctx context.Context, taskID string) (store.StatusRecord, error) {
	if s.store == nil {
		return store.StatusRecord{}, fmt.Errorf("services: no status store configured")
	}
	return s.store.Get(ctx, taskID)
}

// Process implements queue.Processor for the status queue: persist the
// update. Stale transitions out of a terminal status are dropped rather than
// retried; a status that arrives after completion carries no information.
// Store outages take the retry path.
func (s *StatusService) Process(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
	if s.store == nil {
		return contracts.PermanentFailure(fmt.Errorf("services: no status store configured"))
	}

	msg, err := contracts.DecodeMessage(env)
	if err != nil {
		return contracts.PermanentFailure(err)
	}
	status, ok := msg.(*contracts.StatusMessage)
	if !ok {
		return contracts.PermanentFailure(fmt.Errorf("services: expected a status message, got %s", env.Type))
	}

	err = s.store.Save(ctx, store.StatusRecord{
		TaskID:    status.TaskID,
		UserID:    status.UserID,
		Status:    status.Status,
		Progress:  status.Progress,
		Result:    status.Result,
		Error:     status.Error,
		UpdatedAt: env.Timestamp,
	})
	if errors.Is(err, store.ErrStaleTransition) {
		s.logger.Warn("dropping stale status update",
			"taskId", status.TaskID,
			"status", status.Status)
		return contracts.Succeed(nil)
	}
	if err != nil {
		return contracts.RetryableFailure(err)
	}

	s.logger.Debug("status persisted", "taskId", status.TaskID, "status", status.Status)
	return contracts.Succeed(nil)
}
