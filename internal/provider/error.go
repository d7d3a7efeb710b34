// Package provider defines the error shape shared by all external API clients.
package provider

import (
	"errors"
	"fmt"
)

// Error wraps a failed call to an external provider (transport, STT, brain,
// TTS) with enough context to log, count, and classify it.
type Error struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s)", e.Provider, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error marked retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
