package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested document doesn't exist.
var ErrNotFound = errors.New("not found")

// ErrUnsupported is returned by a Guarded Backend for an optional
// capability which the wrapped Backend doesn't implement.
var ErrUnsupported = errors.New("not supported by backend")

// CorruptionError is returned when a stored document exists, but cannot be
// decoded or fails validation.
type CorruptionError struct {
	ID  string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("snapshot %s is corrupt: %s", e.ID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// UnavailableError is returned when a Backend cannot currently be reached,
// or when its circuit breaker is open. It's retryable.
type UnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable (%s): %s", e.Backend, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Retryable returns true.
func (e *UnavailableError) Retryable() bool { return true }

// ConfigurationError is returned when a Backend is misconfigured in a way
// requiring operator action, such as missing permissions, a missing bucket,
// or a database lacking transaction support. It's not retryable.
type ConfigurationError struct {
	Backend string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend misconfigured: %s", e.Backend, e.Message)
	}
	return fmt.Sprintf("%s backend misconfigured: %s: %s", e.Backend, e.Message, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// OpError records the Backend, operation, and document of a failed write.
type OpError struct {
	Backend string
	Op      string
	ID      string
	Err     error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Backend, e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsNotFound returns true if |err| is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption returns true if |err| is or wraps a *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsConfiguration returns true if |err| is or wraps a *ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRetryable returns true if |err| is a transient failure which may
// succeed if retried later.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
