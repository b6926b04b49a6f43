package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the task id is unknown.
	ErrNotFound = errors.New("risk: task not found")
	// ErrInvalidInput is returned when a snapshot fails validation.
	ErrInvalidInput = errors.New("risk: invalid input")
)

// InputError names the offending field. It matches ErrInvalidInput.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("risk: invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }
