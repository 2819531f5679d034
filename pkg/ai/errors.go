package ai

import (
	"errors"
	"fmt"
)

// Package ai provides common types shared by AI provider implementations:
// standard error classification, connection options and retry helpers used
// across STT, TTS, LLM and VAD providers.

// Common error classes used across AI providers
var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, unsupported format, malformed request.
	ErrFatal = errors.New("fatal AI provider error")
)

// IsRecoverable checks if an error is recoverable and should be retried
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ErrorKind labels the failure mode of a provider call.
type ErrorKind int

const (
	// KindConnection covers dial and transport-level failures.
	KindConnection ErrorKind = iota
	// KindTimeout covers deadline expiry on a provider call.
	KindTimeout
	// KindStatus covers non-2xx HTTP or protocol-level status responses.
	KindStatus
	// KindRecognition covers provider-side processing failures that arrive
	// on an otherwise healthy connection.
	KindRecognition
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindStatus:
		return "status"
	case KindRecognition:
		return "recognition"
	}
	return "unknown"
}

// APIError wraps a provider failure with retry classification. Unwrap
// resolves to ErrRecoverable or ErrFatal so callers can classify with
// errors.Is without knowing the concrete kind.
type APIError struct {
	Kind       ErrorKind
	StatusCode int // set for KindStatus
	Message    string
	Underlying error
	Retryable  bool
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == KindStatus && e.Message != "":
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Kind == KindStatus:
		return fmt.Sprintf("%s error (HTTP %d)", e.Kind, e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	case e.Underlying != nil:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Underlying.Error())
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *APIError) Unwrap() error {
	if e.Retryable {
		return ErrRecoverable
	}
	return ErrFatal
}

// NewConnectionError creates a retryable transport failure.
func NewConnectionError(message string, underlying error) *APIError {
	return &APIError{
		Kind:       KindConnection,
		Message:    message,
		Underlying: underlying,
		Retryable:  true,
	}
}

// NewTimeoutError creates a retryable deadline failure.
func NewTimeoutError(message string, underlying error) *APIError {
	return &APIError{
		Kind:       KindTimeout,
		Message:    message,
		Underlying: underlying,
		Retryable:  true,
	}
}

// NewStatusError creates an error from an HTTP status. Rate limiting (429)
// and server-side errors (5xx) are retryable; other client errors are not.
func NewStatusError(message string, statusCode int) *APIError {
	return &APIError{
		Kind:       KindStatus,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  statusCode == 429 || statusCode >= 500,
	}
}

// NewRecognitionError creates a non-retryable processing failure.
func NewRecognitionError(message string, underlying error) *APIError {
	return &APIError{
		Kind:       KindRecognition,
		Message:    message,
		Underlying: underlying,
		Retryable:  false,
	}
}

// NewRecoverableError creates a recoverable error with context
func NewRecoverableError(underlying error, message string) error {
	return &APIError{
		Kind:       KindConnection,
		Message:    message,
		Underlying: underlying,
		Retryable:  true,
	}
}

// NewFatalError creates a fatal error with context
func NewFatalError(underlying error, message string) error {
	return &APIError{
		Kind:       KindConnection,
		Message:    message,
		Underlying: underlying,
		Retryable:  false,
	}
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
