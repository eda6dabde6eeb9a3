package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when an agent ID doesn't exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTaskNotFound is returned when a task ID doesn't exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned by CreateTask when the ID is already taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrAlreadyAssigned is returned when a task already holds an active assignment set.
	ErrAlreadyAssigned = errors.New("task already assigned")
	// ErrInvalidTransition is returned for a task status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError is a write failure scoped to a single record.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
