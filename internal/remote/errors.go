package remote

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, temporary backend unavailability. Transient failures never
// cause data loss and are never surfaced to the interactive caller.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient sync error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure that retrying cannot fix: validation
// rejections, authorization failures, unsupported schema versions.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent sync error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a permanent remote failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be treated as retriable.
//
// Unclassified errors count as transient: an unknown failure mode must
// never drop a queued mutation, so the safe default is to keep it
// queued and retry. Context cancellation is transient for the same
// reason - the pass stopped, the change did not fail.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
