package proto

import (
	"errors"
	"fmt"
)

// JobError carries a processing failure together with its retry class, so
// the queue's retry decision is a data-level branch rather than error-string
// inspection.
type JobError struct {
	Err   error
	Fatal bool
}

func (e *JobError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a failure the queue should retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Err: err}
}

// Fatal wraps err as a failure that must skip retries and go straight to the
// dead-letter sink.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Err: err, Fatal: true}
}

// IsFatal reports whether err (anywhere in its chain) is a fatal job error.
// Unclassified errors default to retryable.
func IsFatal(err error) bool {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Fatal
	}
	return false
}
