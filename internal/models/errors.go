package models

import (
	"errors"
	"fmt"
)

// The sync engine classifies every failure into one of three buckets, and
// the classification decides the retry policy:
//
//   - transient (network, timeout, lock contention): retried with backoff,
//     capped, then dead-lettered;
//   - validation (malformed envelope, unknown type): never retried;
//   - branch unavailable (no healthy handle for the branch): retried on the
//     next cycle without consuming the envelope's own retry budget.

// ValidationError is a permanent rejection. Envelopes failing validation are
// dead-lettered after a single attempt.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransientError wraps a failure that is expected to heal on its own.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// BranchUnavailableError reports that the router could not produce a healthy
// handle for a branch. It is environmental: the envelope itself is fine and
// keeps its full retry budget.
type BranchUnavailableError struct {
	BranchID string
	Cause    error
}

func (e *BranchUnavailableError) Error() string {
	return fmt.Sprintf("branch %s unavailable: %v", e.BranchID, e.Cause)
}
func (e *BranchUnavailableError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientError unless it already carries a
// classification.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsBranchUnavailable(err) || IsTransient(err) {
		return err
	}
	return &TransientError{Cause: err}
}

// IsValidation reports whether err is a permanent validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsBranchUnavailable reports whether err is a branch-level outage.
func IsBranchUnavailable(err error) bool {
	var be *BranchUnavailableError
	return errors.As(err, &be)
}

// ErrorCode maps an error to the machine-readable code exposed on the wire.
func ErrorCode(err error) string {
	switch {
	case IsValidation(err):
		return CodeValidationError
	case IsBranchUnavailable(err):
		return CodeBranchUnavailable
	default:
		return CodeSyncError
	}
}
