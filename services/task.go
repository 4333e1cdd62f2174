package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/store"
	"github.com/textify/dispatch-go/topology"
)

// HighPriorityThreshold is the task priority at which work routes to the
// expedited queue.
const HighPriorityThreshold = 8

// Publisher is the outbound surface services need from a queue-bound engine.
type Publisher interface {
	Publish(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error
}

// StatusReporter publishes task lifecycle updates.
type StatusReporter interface {
	UpdateStatus(ctx context.Context, p contracts.StatusParams) error
}

// Notifier publishes user notifications.
type Notifier interface {
	SendNotification(ctx context.Context, p contracts.NotificationParams) error
}

// Worker performs the actual recognition work for one task.
type Worker interface {
	Recognize(ctx context.Context, task *contracts.TaskMessage) (*contracts.RecognitionResult, error)
}

// TaskServiceDeps are the required collaborators of a TaskService.
type TaskServiceDeps struct {
	// Tasks publishes to the standard work queue, HighTasks to the
	// expedited one.
	Tasks     Publisher
	HighTasks Publisher
	Status    StatusReporter
	Notifier  Notifier
	// Worker handles deliveries; nil is allowed for submit-only deployments.
	Worker Worker
	// StatusLookup, when set, lets the processor skip tasks that were
	// cancelled while queued.
	StatusLookup store.StatusStore
}

// TaskService submits recognition tasks and processes their deliveries.
type TaskService struct {
	deps      TaskServiceDeps
	strategy  topology.RetryStrategy
	threshold int
	logger    *slog.Logger
}

// TaskOption configures a TaskService.
type TaskOption func(*TaskService)

// WithTaskLogger sets the structured logger.
func WithTaskLogger(logger *slog.Logger) TaskOption {
	return func(s *TaskService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryStrategy overrides the default retry budget stamped on envelopes.
func WithRetryStrategy(strategy topology.RetryStrategy) TaskOption {
	return func(s *TaskService) {
		s.strategy = strategy
	}
}

// WithHighPriorityThreshold overrides the expedited-queue cutoff.
func WithHighPriorityThreshold(threshold int) TaskOption {
	return func(s *TaskService) {
		s.threshold = threshold
	}
}

// NewTaskService builds the task domain service.
func NewTaskService(deps TaskServiceDeps, opts ...TaskOption) (*TaskService, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("services: task publisher cannot be nil")
	}
	if deps.HighTasks == nil {
		deps.HighTasks = deps.Tasks
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("services: status reporter cannot be nil")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("services: notifier cannot be nil")
	}

	s := &TaskService{
		deps:      deps,
		strategy:  topology.TaskRetryStrategy,
		threshold: HighPriorityThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitTask validates, enqueues and status-tracks one task. Tasks at or
// above the priority threshold route to the expedited queue. The returned
// envelope carries the broker-visible message id.
func (s *TaskService) SubmitTask(ctx context.Context, p contracts.TaskParams) (*contracts.Envelope, error) {
	msg := contracts.NewTaskMessage(p)
	if msg.MaxRetries == 0 {
		msg.MaxRetries = s.strategy.MaxRetries
	}

	env, err := contracts.NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	env.WithRetryBudget(msg.MaxRetries).WithCorrelationID(msg.TaskID)

	pub := s.deps.Tasks
	expedited := msg.Priority >= s.threshold
	if expedited {
		pub = s.deps.HighTasks
	}

	if err := pub.Publish(ctx, env, queue.PublishOptions{Priority: uint8(msg.Priority)}); err != nil {
		return nil, err
	}
	s.logger.Info("task submitted",
		"taskId", msg.TaskID,
		"priority", msg.Priority,
		"expedited", expedited)

	// The pending record is best-effort: the task is already queued, and a
	// failed status publish must not look like a failed submission.
	err = s.deps.Status.UpdateStatus(ctx, contracts.StatusParams{
		TaskID: msg.TaskID,
		UserID: msg.UserID,
		Status: contracts.StatusPending,
	})
	if err != nil {
		s.logger.Warn("failed to record pending status", "taskId", msg.TaskID, "error", err)
	}
	return env, nil
}

// SubmitBatch submits every task, collecting per-task failures instead of
// stopping at the first. The returned envelopes cover the successful ones.
func (s *TaskService) SubmitBatch(ctx context.Context, params []contracts.TaskParams) ([]*contracts.Envelope, error) {
	var (
		envs []*contracts.Envelope
		errs []error
	)
	for _, p := range params {
		env, err := s.SubmitTask(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", p.TaskID, err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, errors.Join(errs...)
}

// CancelTask marks a queued task cancelled. The message itself is not pulled
// from the broker; the processor drops it when it surfaces.
func (s *TaskService) CancelTask(ctx context.Context, taskID, userID string) error {
	return s.deps.Status.UpdateStatus(ctx, contracts.StatusParams{
		TaskID: taskID,
		UserID: userID,
		Status: contracts.StatusCancelled,
	})
}

// Process implements queue.Processor for the task queues: decode, mark
// processing, run the worker, then report the terminal status and notify the
// user. Transient worker errors take the retry path; everything else is
// terminal.
func (s *TaskService) Process(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
	msg, err := contracts.DecodeMessage(env)
	if err != nil {
		return contracts.PermanentFailure(err)
	}
	task, ok := msg.(*contracts.TaskMessage)
	if !ok {
		return contracts.PermanentFailure(fmt.Errorf("services: expected a task message, got %s", env.Type))
	}
	if s.deps.Worker == nil {
		return contracts.PermanentFailure(fmt.Errorf("services: no worker configured for task %s", task.TaskID))
	}

	if s.cancelled(ctx, task.TaskID) {
		s.logger.Info("skipping cancelled task", "taskId", task.TaskID)
		return contracts.Succeed(nil)
	}

	s.reportStatus(ctx, contracts.StatusParams{
		TaskID: task.TaskID, UserID: task.UserID,
		Status: contracts.StatusProcessing,
	})

	result, err := s.deps.Worker.Recognize(ctx, task)
	if err != nil {
		if contracts.IsTransient(err) {
			s.logger.Warn("task failed transiently",
				"taskId", task.TaskID,
				"retryCount", env.RetryCount,
				"error", err)
			return contracts.RetryableFailure(err)
		}
		s.reportFailure(ctx, task, err)
		return contracts.PermanentFailure(err)
	}

	s.reportStatus(ctx, contracts.StatusParams{
		TaskID: task.TaskID, UserID: task.UserID,
		Status: contracts.StatusCompleted, Progress: 100,
		Result: result,
	})
	s.notify(ctx, contracts.NotificationParams{
		UserID:   task.UserID,
		TaskID:   task.TaskID,
		Type:     contracts.NotifyTaskCompleted,
		Title:    "Recognition finished",
		Body:     fmt.Sprintf("Document %s has been processed.", task.OriginalFilename),
		Priority: contracts.PriorityNormal,
	})
	return contracts.Succeed(result)
}

func (s *TaskService) cancelled(ctx context.Context, taskID string) bool {
	if s.deps.StatusLookup == nil {
		return false
	}
	rec, err := s.deps.StatusLookup.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return rec.Status == contracts.StatusCancelled
}

func (s *TaskService) reportFailure(ctx context.Context, task *contracts.TaskMessage, cause error) {
	s.reportStatus(ctx, contracts.StatusParams{
		TaskID: task.TaskID, UserID: task.UserID,
		Status: contracts.StatusFailed,
		Error:  &contracts.ErrorInfo{Code: "recognition_failed", Message: cause.Error()},
	})
	s.notify(ctx, contracts.NotificationParams{
		UserID:   task.UserID,
		TaskID:   task.TaskID,
		Type:     contracts.NotifyTaskFailed,
		Title:    "Recognition failed",
		Body:     fmt.Sprintf("Document %s could not be processed.", task.OriginalFilename),
		Priority: contracts.PriorityHigh,
	})
}

func (s *TaskService) reportStatus(ctx context.Context, p contracts.StatusParams) {
	if err := s.deps.Status.UpdateStatus(ctx, p); err != nil {
		s.logger.Warn("failed to publish status update",
			"taskId", p.TaskID,
			"status", p.Status,
			"error", err)
	}
}

func (s *TaskService) notify(ctx context.Context, p contracts.NotificationParams) {
	if err := s.deps.Notifier.SendNotification(ctx, p); err != nil {
		s.logger.Warn("failed to send notification",
			"taskId", p.TaskID,
			"type", p.Type,
			"error", err)
	}
}
