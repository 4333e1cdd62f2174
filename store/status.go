package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/textify/dispatch-go/contracts"
)

var (
	// ErrStatusNotFound is returned when no record exists for a task.
	ErrStatusNotFound = errors.New("store: status not found")

	// ErrStaleTransition is returned when a save would move a task backwards
	// out of a terminal status.
	ErrStaleTransition = errors.New("store: stale status transition")
)

// StatusRecord is the latest known lifecycle position of one task.
type StatusRecord struct {
	TaskID    string                       `json:"taskId"`
	UserID    string                       `json:"userId"`
	Status    contracts.TaskStatus         `json:"status"`
	Progress  int                          `json:"progress"`
	Result    *contracts.RecognitionResult `json:"result,omitempty"`
	Error     *contracts.ErrorInfo         `json:"error,omitempty"`
	UpdatedAt time.Time                    `json:"updatedAt"`
}

// StatusStore persists the latest status per task.
type StatusStore interface {
	// Save upserts the record, enforcing the lifecycle state machine:
	// terminal statuses absorb, so a save that would leave one fails with
	// ErrStaleTransition.
	Save(ctx context.Context, rec StatusRecord) error
	Get(ctx context.Context, taskID string) (StatusRecord, error)
	Delete(ctx context.Context, taskID string) error
}

const statusKeyPrefix = "task:status:"

// RedisStatusStore keeps status records in Redis with a TTL, one JSON value
// per task.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore wraps a Redis client. ttl bounds how long a record
// outlives its last update; zero keeps records forever.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, ttl: ttl}
}

func statusKey(taskID string) string {
	return statusKeyPrefix + taskID
}

// Save implements StatusStore. The read-check-write is not atomic; status
// updates for one task flow through a single consumer, which serializes them.
func (s *RedisStatusStore) Save(ctx context.Context, rec StatusRecord) error {
	current, err := s.Get(ctx, rec.TaskID)
	if err != nil && !errors.Is(err, ErrStatusNotFound) {
		return err
	}
	if err == nil && !contracts.CanTransition(current.Status, rec.Status) {
		return fmt.Errorf("%w: %s -> %s for task %s", ErrStaleTransition, current.Status, rec.Status, rec.TaskID)
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: failed to serialize status for task %s: %w", rec.TaskID, err)
	}

	if err := s.client.Set(ctx, statusKey(rec.TaskID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: failed to save status for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get implements StatusStore.
func (s *RedisStatusStore) Get(ctx context.Context, taskID string) (StatusRecord, error) {
	payload, err := s.client.Get(ctx, statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusRecord{}, fmt.Errorf("%w: task %s", ErrStatusNotFound, taskID)
	}
	if err != nil {
		return StatusRecord{}, fmt.Errorf("store: failed to load status for task %s: %w", taskID, err)
	}

	var rec StatusRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return StatusRecord{}, fmt.Errorf("store: corrupt status record for task %s: %w", taskID, err)
	}
	return rec, nil
}

// Delete implements StatusStore.
func (s *RedisStatusStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, statusKey(taskID)).Err(); err != nil {
		return fmt.Errorf("store: failed to delete status for task %s: %w", taskID, err)
	}
	return nil
}
