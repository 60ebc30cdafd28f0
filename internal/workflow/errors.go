package workflow

import (
	"errors"
	"fmt"
)

// ErrCheckpointNotFound is returned when ResumeFrom names a checkpoint that
// does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ValidationError reports a malformed or missing option. It is returned
// before any transaction is sent or checkpoint written.
type ValidationError struct {
	// Field is the option name as it appears in plan files.
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid options: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StepError reports a mandatory step that failed. The checkpoint has been
// saved with status failed before a StepError is returned.
type StepError struct {
	Step         int
	StepName     string
	CheckpointID string
	Err          error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v (checkpoint=%s)", e.Step, e.StepName, e.Err, e.CheckpointID)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStepError returns true if err is or wraps a *StepError.
func IsStepError(err error) bool {
	var se *StepError
	return errors.As(err, &se)
}

// IsCheckpointNotFound returns true if err wraps ErrCheckpointNotFound.
func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}
