package contracts

import "fmt"

// TaskStatus is a state in the task lifecycle state machine.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s ends the task lifecycle. Completed, failed and
// cancelled are terminal; once reached, no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another:
//
//	pending → processing → completed | failed
//	pending | processing → cancelled
//
// Repeating the same non-terminal status (progress updates) is allowed. A
// terminal status is only reachable from processing; a completed or failed
// update arriving while the task still reads pending is out of order and
// gets dropped as stale.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed ||
			to == StatusCancelled
	}
	return false
}

// ErrorInfo describes a processing failure inside a status message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// StatusMessage reports progress for a task. Status messages are append-only:
// several may exist per task and the latest terminal one is authoritative.
type StatusMessage struct {
	TaskID   string             `json:"taskId"`
	UserID   string             `json:"userId"`
	Status   TaskStatus         `json:"status"`
	Progress int                `json:"progress"`
	Result   *RecognitionResult `json:"result,omitempty"`
	Error    *ErrorInfo         `json:"error,omitempty"`
}

// StatusParams carries the caller-supplied fields for NewStatusMessage.
type StatusParams struct {
	TaskID   string
	UserID   string
	Status   TaskStatus
	Progress int
	Result   *RecognitionResult
	Error    *ErrorInfo
}

// NewStatusMessage builds a status message.
func NewStatusMessage(p StatusParams) *StatusMessage {
	return &StatusMessage{
		TaskID:   p.TaskID,
		UserID:   p.UserID,
		Status:   p.Status,
		Progress: p.Progress,
		Result:   p.Result,
		Error:    p.Error,
	}
}

// MessageType implements Message.
func (m *StatusMessage) MessageType() string {
	return TypeStatus
}

// Validate implements Message.
func (m *StatusMessage) Validate() []string {
	var errs []string
	if m.TaskID == "" {
		errs = append(errs, "taskId is required")
	}
	if m.UserID == "" {
		errs = append(errs, "userId is required")
	}
	if !m.Status.Valid() {
		errs = append(errs, fmt.Sprintf("status %q is not a known status", m.Status))
	}
	if m.Progress < 0 || m.Progress > 100 {
		errs = append(errs, "progress must be between 0 and 100")
	}
	if m.Result != nil && m.Error != nil {
		errs = append(errs, "result and error are mutually exclusive")
	}
	return errs
}
