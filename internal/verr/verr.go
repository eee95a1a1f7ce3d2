// Package verr defines the error-kind taxonomy shared by every core
// component. Callers classify failures with errors.Is against the
// sentinels below; components that need structured detail wrap one of
// the typed errors and still satisfy errors.Is through Unwrap.
package verr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. Each typed error below wraps one of
// these so callers can test kind without caring about the payload.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrDuplicate      = errors.New("duplicate")
	ErrBackendFailure = errors.New("backend failure")
	ErrTimeout        = errors.New("timeout")
	ErrPersistence    = errors.New("persistence failure")
	ErrConflict       = errors.New("conflict")
	ErrPolicyDenied   = errors.New("policy denied")
)

// NotFoundError reports that a named resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError, e.g. NewNotFound("agent", id).
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidStateError reports an operation illegal in the resource's
// current state.
type InvalidStateError struct {
	Resource string
	Want     string
	Got      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid state: want %s, got %s", e.Resource, e.Want, e.Got)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func NewInvalidState(resource, want, got string) error {
	return &InvalidStateError{Resource: resource, Want: want, Got: got}
}

// DuplicateError reports that an id is already in use.
type DuplicateError struct {
	Resource string
	ID       string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

func NewDuplicate(resource, id string) error {
	return &DuplicateError{Resource: resource, ID: id}
}

// BackendFailureError reports an upstream assistant/tool failure.
type BackendFailureError struct {
	Message     string
	Recoverable bool
}

func (e *BackendFailureError) Error() string {
	return fmt.Sprintf("backend failure (recoverable=%v): %s", e.Recoverable, e.Message)
}

func (e *BackendFailureError) Unwrap() error { return ErrBackendFailure }

func NewBackendFailure(message string, recoverable bool) error {
	return &BackendFailureError{Message: message, Recoverable: recoverable}
}

// TimeoutError reports a deadline elapsed before completion.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timed out", e.Op) }

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func NewTimeout(op string) error { return &TimeoutError{Op: op} }

// PersistenceError reports a storage-layer failure. The operation did
// not take effect and is safe to retry.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence error: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return ErrPersistence }

func NewPersistence(op string, cause error) error {
	return &PersistenceError{Op: op, Cause: cause}
}

// ConflictError reports a route or resource registration clash.
type ConflictError struct {
	Resource string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Resource) }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func NewConflict(resource string) error { return &ConflictError{Resource: resource} }

// PolicyDeniedError reports a security or policy-layer refusal.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string { return fmt.Sprintf("policy denied: %s", e.Reason) }

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

func NewPolicyDenied(reason string) error { return &PolicyDeniedError{Reason: reason} }
