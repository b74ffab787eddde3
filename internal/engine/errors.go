package engine

import (
	"fmt"

	"botline/internal/domain"
)

// NotFoundError indicates a missing entity, or one the caller is not allowed
// to know exists.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// AuthenticationError indicates a failed credential check. Its message is
// deliberately constant: callers must not learn whether the id was unknown,
// the secret wrong, or the credential revoked.
type AuthenticationError struct{}

func (AuthenticationError) Error() string {
	return "authentication failed"
}

// AuthorizationError indicates an authenticated caller lacks permission.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string {
	if e.Reason == "" {
		return "not authorized"
	}
	return "not authorized: " + e.Reason
}

// ConflictError indicates a compare-and-set lost a race with a concurrent
// writer.
type ConflictError struct {
	Kind string
	ID   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Kind, e.ID)
}

// InvalidStateError indicates a transition the lifecycle graph does not allow.
type InvalidStateError struct {
	ExecutionID string
	From        domain.ExecutionStatus
	To          domain.ExecutionStatus
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("execution %s: invalid transition %s -> %s", e.ExecutionID, e.From, e.To)
}

// ValidationError indicates malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// DependencyError indicates a failure in an external system the operation
// depends on, such as a notification endpoint.
type DependencyError struct {
	System string
	Err    error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %v", e.System, e.Err)
}

func (e DependencyError) Unwrap() error {
	return e.Err
}
