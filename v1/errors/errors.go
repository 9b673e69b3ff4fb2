// Package errors defines the error taxonomy shared by every fleet component.
package errors

import (
	stdErrors "errors"
	"fmt"
)

var (
	ErrTimeout          = stdErrors.New("timeout")
	ErrConnectionClosed = stdErrors.New("connection closed")

	// ErrBackendUnavailable reports that the coordination store could not be
	// reached within the operation timeout. Callers pick the fallback.
	ErrBackendUnavailable = stdErrors.New("fleet: coordination backend unavailable")

	// ErrAcquireTimeout is returned when a blocking acquire exceeds MaxWait.
	ErrAcquireTimeout = stdErrors.New("fleet: lock acquire timed out")

	// ErrLockHeld is returned by a non-blocking acquire on a held resource.
	ErrLockHeld = stdErrors.New("fleet: lock is held by another owner")

	// ErrConfigBackend matches every *ConfigBackendError.
	ErrConfigBackend = stdErrors.New("fleet: config backend error")
)

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, ErrBackendUnavailable)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, ErrBackendUnavailable, e.err)
}

func (e *unavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *unavailableError) Unwrap() error { return e.err }

// Unavailable wraps err so that errors.Is(result, ErrBackendUnavailable)
// holds while the original cause stays reachable through errors.Is/As.
func Unavailable(op string, err error) error {
	if err != nil && stdErrors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

// ConfigBackendError is a durable store or file I/O failure during a config
// or metadata operation. It is never degraded.
type ConfigBackendError struct {
	Op      string
	Backend string
	Key     string
	Err     error
}

func (e *ConfigBackendError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("fleet: config %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("fleet: config %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ConfigBackendError) Is(target error) bool { return target == ErrConfigBackend }

func (e *ConfigBackendError) Unwrap() error { return e.Err }
