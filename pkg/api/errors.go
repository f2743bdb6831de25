package api

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned by job stores when a job with the same
	// tenant and idempotency key already exists.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrLeaseHeld is returned when an instance lease is owned by someone else.
	ErrLeaseHeld = errors.New("instance lease held by another owner")

	// ErrDeferred is returned by job execution when the job cannot run yet
	// (for example because its process is suspended). The scheduler puts such
	// jobs back in the queue without counting an attempt.
	ErrDeferred = errors.New("job deferred")

	// ErrJobObsolete is returned by job execution when the job no longer has
	// anything to do because its process or task already ended. The
	// scheduler marks such jobs done.
	ErrJobObsolete = errors.New("job obsolete")
)

// DefinitionError reports a malformed or incomplete process definition.
type DefinitionError struct {
	DefinitionID string
	ElementID    string
	Reason       string
}

func (e *DefinitionError) Error() string {
	switch {
	case e.DefinitionID != "" && e.ElementID != "":
		return fmt.Sprintf("definition %s: element %s: %s", e.DefinitionID, e.ElementID, e.Reason)
	case e.DefinitionID != "":
		return fmt.Sprintf("definition %s: %s", e.DefinitionID, e.Reason)
	default:
		return "definition: " + e.Reason
	}
}

// ConditionEvaluationError reports a guard expression that could not be
// parsed or evaluated. Gateways treat it as a false condition.
type ConditionEvaluationError struct {
	Expression string
	Reason     string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Expression, e.Reason)
}

// ServiceExecutionError reports a failed service-task side effect.
type ServiceExecutionError struct {
	ServiceType string
	TaskID      string
	Err         error
}

func (e *ServiceExecutionError) Error() string {
	return fmt.Sprintf("service %s (task %s): %v", e.ServiceType, e.TaskID, e.Err)
}

func (e *ServiceExecutionError) Unwrap() error { return e.Err }

// AuthorizationError reports that an actor may not perform an operation.
type AuthorizationError struct {
	UserID string
	TaskID string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %q not authorized for task %s: %s", e.UserID, e.TaskID, e.Reason)
}

// NotFoundError reports an unknown process, task, job or definition.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// StateError reports an operation that is not valid in the entity's
// current status.
type StateError struct {
	Kind   string
	ID     string
	Status string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Kind, e.ID, e.Status)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
