package model

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted marks an outbox row that hit the retry ceiling.
// Terminal; the row is parked as FAILED for operator attention.
var ErrRetriesExhausted = errors.New("retries exhausted")

// TransientError wraps a network or store reachability failure. The current
// cycle gives up and the scheduler (or the outbox backoff) retries later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// DataError wraps malformed or unrepresentable data: a bundle that fails its
// hash check, an encoding failure. Retrying cannot fix these.
type DataError struct {
	Op  string
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// Invalid wraps err as a DataError.
func Invalid(op string, err error) error {
	return &DataError{Op: op, Err: err}
}

// IsInvalid reports whether err is a data error.
func IsInvalid(err error) bool {
	var d *DataError
	return errors.As(err, &d)
}
