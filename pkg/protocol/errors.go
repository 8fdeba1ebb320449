package protocol

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure that is worth retrying: provider 5xx,
// network timeout, rate limiting. The queue re-delivers jobs that fail with
// a transient error until attempts are exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps a failure that retrying cannot fix: provider 4xx,
// invalid node configuration, rejected input. Jobs failing permanently go
// terminal on the first delivery.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a permanent
// failure. Errors carrying neither kind default to transient so that an
// unclassified failure is retried rather than silently dropped.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}
