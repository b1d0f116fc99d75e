package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the engine reacts to them, not by
// their Go type. Kinds travel with wrapped errors so call sites deep in a
// job can tag a failure and the worker can map it to a terminal job state.
type ErrorKind string

const (
	// ErrorConfigInvalid is fatal at startup.
	ErrorConfigInvalid ErrorKind = "config_invalid"
	// ErrorCredentialsUnavailable fails the job immediately; it is never
	// retried inside a job.
	ErrorCredentialsUnavailable ErrorKind = "credentials_unavailable"
	// ErrorPulpUnreachable surfaces only after per-request retries are
	// exhausted.
	ErrorPulpUnreachable ErrorKind = "pulp_unreachable"
	// ErrorPulpTaskFailed carries the Pulp task error payload verbatim.
	ErrorPulpTaskFailed ErrorKind = "pulp_task_failed"
	// ErrorConflict means another active job covers the same work.
	ErrorConflict ErrorKind = "conflict"
	// ErrorDeadline means the job's wall clock budget expired.
	ErrorDeadline ErrorKind = "deadline"
	// ErrorCanceled means an operator canceled the job.
	ErrorCanceled ErrorKind = "canceled"
)

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// TagError attaches a kind to err. A nil err stays nil.
func TagError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// TagErrorf builds a tagged error from a format string. The %w verb works.
func TagErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the innermost kind attached to err, or "" when untagged.
// Context cancellation and deadline errors map to their kinds without
// explicit tagging.
func KindOf(err error) ErrorKind {
	var tagged *kindError
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorDeadline
	}
	return ""
}

func IsConfigInvalid(err error) bool          { return KindOf(err) == ErrorConfigInvalid }
func IsCredentialsUnavailable(err error) bool { return KindOf(err) == ErrorCredentialsUnavailable }
func IsPulpUnreachable(err error) bool        { return KindOf(err) == ErrorPulpUnreachable }
func IsPulpTaskFailed(err error) bool         { return KindOf(err) == ErrorPulpTaskFailed }
func IsConflict(err error) bool               { return KindOf(err) == ErrorConflict }
func IsDeadline(err error) bool               { return KindOf(err) == ErrorDeadline }
func IsCanceled(err error) bool               { return KindOf(err) == ErrorCanceled }

// StateForError maps a failure to the terminal job state the worker
// records.
func StateForError(err error) JobState {
	switch KindOf(err) {
	case ErrorCanceled:
		return JobStateCanceled
	case ErrorDeadline:
		return JobStateTimedOut
	case ErrorConflict:
		return JobStateSkipped
	default:
		return JobStateFailed
	}
}
