package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownMessageType is returned when an envelope carries a type tag
	// that no variant is registered for.
	ErrUnknownMessageType = errors.New("contracts: unknown message type")
)

// ValidationError aggregates the field errors of an invalid message.
type ValidationError struct {
	Type   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contracts: invalid %s message: %s", e.Type, strings.Join(e.Fields, "; "))
}

// TransientError marks an error as a temporary condition worth retrying.
// Workers wrap network timeouts, rate limits and similar failures with it;
// everything unwrapped is treated as terminal by the delivery engine.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient implements the classification probed by IsTransient.
func (e *TransientError) Transient() bool {
	return true
}

// IsTransient reports whether err is classified as a temporary failure.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
