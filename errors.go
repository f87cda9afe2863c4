package ordersaga

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrSagaNotFound is returned by a SagaStateStore when no saga state
	// exists for the requested correlation id.
	ErrSagaNotFound = errors.New("ordersaga: saga state not found")

	// ErrVersionConflict is returned by a SagaStateStore when the caller's
	// state carries a stale version. The losing writer must re-read before
	// persisting again.
	ErrVersionConflict = errors.New("ordersaga: saga state version conflict")

	// ErrCircuitOpen is returned by a Policy when the circuit breaker is open
	// and the operation was short-circuited without being invoked.
	ErrCircuitOpen = errors.New("ordersaga: circuit open")
)

// TransientError marks an error as transient so the resilience Policy retries
// it and counts it toward circuit breaker failure accounting.
type TransientError struct {
	error
}

// Transient wraps a user-provided error in a TransientError.
func Transient(err error) error {
	return &TransientError{err}
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *TransientError) Unwrap() error {
	return e.error
}

// IsTransient reports whether err is a transient connectivity-class failure:
// an explicit TransientError, a network timeout, a refused or reset
// connection, or a deadline expiry. All other errors are treated as permanent
// and propagate without retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
