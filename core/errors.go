package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Every error produced by agentflow components wraps
// exactly one of them so callers can branch with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTimeout       = errors.New("timeout")
	ErrExecution     = errors.New("execution error")
	ErrCapacity      = errors.New("capacity exceeded")
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind     error  // one of the sentinel kinds above
	Op       string // operation that failed, e.g. "bus.send"
	Resource string // resource type for NotFound / AlreadyExists
	ID       string // resource id for NotFound / AlreadyExists
	Msg      string
	Err      error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Kind == ErrNotFound && e.Resource != "":
		if e.ID != "" {
			msg = fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
		} else {
			msg = fmt.Sprintf("%s not found", e.Resource)
		}
	case e.Kind == ErrAlreadyExists && e.Resource != "":
		msg = fmt.Sprintf("%s with ID '%s' already exists", e.Resource, e.ID)
	case e.Msg != "":
		msg = e.Msg
	default:
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewValidationError reports a malformed input rejected before any effect.
func NewValidationError(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

// NewNotFoundError reports an unknown agent/team/workflow/execution id.
func NewNotFoundError(resource, id string) error {
	return &Error{Kind: ErrNotFound, Resource: resource, ID: id}
}

// NewAlreadyExistsError reports a duplicate registration.
func NewAlreadyExistsError(resource, id string) error {
	return &Error{Kind: ErrAlreadyExists, Resource: resource, ID: id}
}

// NewTimeoutError reports a bounded wait that was exceeded.
func NewTimeoutError(op string, after time.Duration) error {
	return &Error{Kind: ErrTimeout, Op: op, Msg: fmt.Sprintf("timed out after %s", after)}
}

// NewExecutionError wraps a step/task/goal logic failure.
func NewExecutionError(op string, err error) error {
	return &Error{Kind: ErrExecution, Op: op, Err: err}
}

// NewCapacityError reports a queue or concurrency bound being exceeded.
func NewCapacityError(op, msg string) error {
	return &Error{Kind: ErrCapacity, Op: op, Msg: msg}
}

// KindOf returns the sentinel kind wrapped by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrAlreadyExists, ErrTimeout, ErrCapacity, ErrExecution} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
