package service

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the backends and the engine.
var (
	// ErrTransient marks network failures and timeouts. Retried via backoff.
	ErrTransient = errors.New("transient network error")

	// ErrConflict marks a failed precondition: the remote changed concurrently.
	ErrConflict = errors.New("conflict")

	// ErrPermanent marks a rejection that must not be retried.
	ErrPermanent = errors.New("permanent rejection")

	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTask is returned when a task fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

// RemoteError describes a failed remote call.
type RemoteError struct {
	Op     string
	Status int   // HTTP status, 0 if the request never completed
	Kind   error // one of ErrTransient, ErrConflict, ErrPermanent
	Err    error
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewRemoteError creates a RemoteError.
func NewRemoteError(op string, status int, kind, err error) *RemoteError {
	return &RemoteError{Op: op, Status: status, Kind: kind, Err: err}
}

// LocalStorageError is fatal for the operation that produced it. The
// operation must be assumed not to have taken effect.
type LocalStorageError struct {
	Op  string
	Err error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage: %s: %v", e.Op, e.Err)
}

func (e *LocalStorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried via backoff.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsConflict reports whether err is a failed precondition.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
