package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline failure taxonomy. Callers classify
// with errors.Is rather than matching message text.
var (
	// ErrMalformedInput marks a segment rejected by validation before
	// it was enqueued. Reported synchronously to the submitter.
	ErrMalformedInput = errors.New("malformed waveform input")

	// ErrQueueSaturated is the backpressure signal returned when the
	// scheduler's bounded queue is full. The caller must retry later.
	ErrQueueSaturated = errors.New("processing queue saturated")

	// ErrInferenceUnavailable means the picker model artifact is
	// missing or broken. Recovered locally by the simulated fallback,
	// never surfaced as a pipeline failure.
	ErrInferenceUnavailable = errors.New("inference artifact unavailable")
)

// transientError wraps a failure that is expected to clear on retry,
// such as a storage hiccup.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as retryable. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err (or anything it wraps) was marked
// retryable with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
