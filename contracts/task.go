package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority bounds for task messages, mapped onto the queue's x-max-priority.
const (
	MinTaskPriority = 1
	MaxTaskPriority = 10
)

// RecognitionOptions control how the external recognition call processes a
// document image.
type RecognitionOptions struct {
	LanguageHints   []string `json:"languageHints"`
	RecognitionMode string   `json:"recognitionMode"`
	ImageFormat     string   `json:"imageFormat,omitempty"`
	DPI             int      `json:"dpi,omitempty"`
}

// Recognition modes accepted by RecognitionOptions.
const (
	ModeText  = "text"
	ModeTable = "table"
)

// TaskMessage describes one unit of recognition work. RetryCount starts at
// zero and is incremented only by the delivery engine when processing fails.
type TaskMessage struct {
	TaskID           string             `json:"taskId"`
	UserID           string             `json:"userId"`
	DocumentID       string             `json:"documentId"`
	Payload          json.RawMessage    `json:"payload"`
	OriginalFilename string             `json:"originalFilename,omitempty"`
	Options          RecognitionOptions `json:"options"`
	Priority         int                `json:"priority"`
	RetryCount       int                `json:"retryCount"`
	MaxRetries       int                `json:"maxRetries"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// TaskParams carries the caller-supplied fields for NewTaskMessage.
type TaskParams struct {
	TaskID           string
	UserID           string
	DocumentID       string
	Payload          json.RawMessage
	OriginalFilename string
	Options          RecognitionOptions
	Priority         int
	MaxRetries       int
}

// NewTaskMessage builds a task message with the retry counter zeroed and the
// creation time stamped. Priority defaults to the minimum when unset.
func NewTaskMessage(p TaskParams) *TaskMessage {
	priority := p.Priority
	if priority == 0 {
		priority = MinTaskPriority
	}
	return &TaskMessage{
		TaskID:           p.TaskID,
		UserID:           p.UserID,
		DocumentID:       p.DocumentID,
		Payload:          p.Payload,
		OriginalFilename: p.OriginalFilename,
		Options:          p.Options,
		Priority:         priority,
		RetryCount:       0,
		MaxRetries:       p.MaxRetries,
		CreatedAt:        time.Now().UTC(),
	}
}

// MessageType implements Message.
func (m *TaskMessage) MessageType() string {
	return TypeTask
}

// Validate implements Message.
func (m *TaskMessage) Validate() []string {
	var errs []string
	if m.TaskID == "" {
		errs = append(errs, "taskId is required")
	}
	if m.UserID == "" {
		errs = append(errs, "userId is required")
	}
	if len(m.Payload) == 0 {
		errs = append(errs, "payload is required")
	}
	if m.Priority < MinTaskPriority || m.Priority > MaxTaskPriority {
		errs = append(errs, fmt.Sprintf("priority must be between %d and %d", MinTaskPriority, MaxTaskPriority))
	}
	if m.RetryCount < 0 {
		errs = append(errs, "retryCount must not be negative")
	}
	if m.MaxRetries < 0 {
		errs = append(errs, "maxRetries must not be negative")
	}
	switch m.Options.RecognitionMode {
	case "", ModeText, ModeTable:
	default:
		errs = append(errs, fmt.Sprintf("options.recognitionMode %q is not supported", m.Options.RecognitionMode))
	}
	return errs
}

// RecognitionResult is the outcome of the external recognition call.
type RecognitionResult struct {
	Text             string          `json:"text"`
	Language         string          `json:"language,omitempty"`
	Confidence       float64         `json:"confidence"`
	Annotations      json.RawMessage `json:"annotations,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
}
