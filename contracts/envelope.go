package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope this library produces.
const SchemaVersion = "1.0"

// Message type tags carried in Envelope.Type.
const (
	TypeTask         = "task"
	TypeStatus       = "status"
	TypeNotification = "notification"
)

// Message is implemented by every typed message body.
type Message interface {
	// MessageType returns the envelope type tag for this message kind.
	MessageType() string
	// Validate returns a list of human-readable field errors, empty when valid.
	Validate() []string
}

// Envelope wraps a typed message body with delivery metadata. An envelope is
// immutable once published; a retry produces a new envelope via Retry.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	Body          json.RawMessage `json:"body"`
}

// NewEnvelope wraps msg in an envelope with a fresh id and current timestamp.
// The message is validated before serialization so malformed payloads are
// rejected at the producer boundary, not inside the delivery engine.
func NewEnvelope(msg Message) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("contracts: message cannot be nil")
	}
	if errs := msg.Validate(); len(errs) > 0 {
		return nil, &ValidationError{Type: msg.MessageType(), Fields: errs}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("contracts: failed to serialize %s body: %w", msg.MessageType(), err)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msg.MessageType(),
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
		Body:      body,
	}, nil
}

// WithCorrelationID returns the envelope with the correlation id set.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithRetryBudget sets the retry budget recorded on the envelope.
func (e *Envelope) WithRetryBudget(maxRetries int) *Envelope {
	e.MaxRetries = maxRetries
	return e
}

// Retry returns a new envelope for the next delivery attempt: a fresh message
// id, the retry counter incremented, and the body's retryCount field patched
// to match when the payload carries one. The business ids inside the body are
// untouched, so the retry is a new message with the same logical identity.
func (e *Envelope) Retry() *Envelope {
	next := *e
	next.ID = uuid.New().String()
	next.Timestamp = time.Now().UTC()
	next.RetryCount = e.RetryCount + 1
	next.Body = patchRetryCount(e.Body, next.RetryCount)
	return &next
}

// patchRetryCount rewrites the retryCount field of a JSON object body.
// Bodies without the field, and bodies that are not objects, pass through
// unchanged.
func patchRetryCount(body json.RawMessage, count int) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if _, ok := fields["retryCount"]; !ok {
		return body
	}
	fields["retryCount"] = json.RawMessage(strconv.Itoa(count))
	patched, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return patched
}

// ParseEnvelope deserializes a raw delivery body into an envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("contracts: malformed envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("contracts: malformed envelope: missing id or type")
	}
	return &env, nil
}

// DecodeMessage deserializes the envelope body into exactly one typed variant
// selected by the envelope's type tag. Unknown types and bodies that fail
// validation are rejected.
func DecodeMessage(env *Envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case TypeTask:
		msg = &TaskMessage{}
	case TypeStatus:
		msg = &StatusMessage{}
	case TypeNotification:
		msg = &NotificationMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("contracts: failed to decode %s body: %w", env.Type, err)
	}
	if errs := msg.Validate(); len(errs) > 0 {
		return nil, &ValidationError{Type: env.Type, Fields: errs}
	}
	return msg, nil
}
