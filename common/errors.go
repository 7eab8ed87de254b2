package common

import (
	"errors"
	"fmt"
)

// Domain error kinds. Every error surfaced by the core maps to exactly one
// of these; the HTTP layer translates them to status codes centrally.

// ValidationError indicates a malformed request body or parameter.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates the referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// InvalidTransitionError is returned when a status transition is refused.
// It carries both ends of the rejected edge for the 409 response body.
type InvalidTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for id %d: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ConflictError indicates an optimistic or lock race that persisted through
// the internal retry budget, or a uniqueness conflict the caller must resolve
// by re-reading.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// UnauthorizedError indicates a username mismatch on an ownership-protected
// endpoint.
type UnauthorizedError struct {
	Username string
	Owner    string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %q is not the owner (%q) of the current workflow run", e.Username, e.Owner)
}

// WorkflowRunNotCurrentError is returned to distributor or worker calls that
// arrive from a workflow run superseded by a newer run. Callers must stop.
type WorkflowRunNotCurrentError struct {
	WorkflowRunID int64
}

func (e *WorkflowRunNotCurrentError) Error() string {
	return fmt.Sprintf("workflow run %d is no longer the current run", e.WorkflowRunID)
}

// ErrDatabaseUnavailable marks transient database failures that exhausted the
// bounded retry at the driver layer. Surfaced as 503.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// IsDomainError reports whether err is one of the typed domain errors above,
// as opposed to an internal bug path.
func IsDomainError(err error) bool {
	var ve *ValidationError
	var nf *NotFoundError
	var it *InvalidTransitionError
	var ce *ConflictError
	var ue *UnauthorizedError
	var nc *WorkflowRunNotCurrentError
	return errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &it) ||
		errors.As(err, &ce) || errors.As(err, &ue) || errors.As(err, &nc) ||
		errors.Is(err, ErrDatabaseUnavailable)
}
