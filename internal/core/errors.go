package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification or illegal transition
	ErrCatExecution  ErrorCategory = "execution"  // Side effect failed
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code so that sentinels compare equal to
// errors built with a more specific message.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// Predefined error codes
const (
	CodeRunNotFound     = "RUN_NOT_FOUND"
	CodeStepNotFound    = "STEP_NOT_FOUND"
	CodeSubjectNotFound = "SUBJECT_NOT_FOUND"
	CodeDuplicate       = "DUPLICATE"
	CodeRunTerminal     = "RUN_TERMINAL"
	CodeUnknownWorkflow = "UNKNOWN_WORKFLOW"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeStepFailed      = "STEP_FAILED"
)

// Sentinels for errors.Is checks.
var (
	ErrRunNotFound     = &DomainError{Category: ErrCatNotFound, Code: CodeRunNotFound, Message: "run not found"}
	ErrStepNotFound    = &DomainError{Category: ErrCatNotFound, Code: CodeStepNotFound, Message: "step not found"}
	ErrSubjectNotFound = &DomainError{Category: ErrCatNotFound, Code: CodeSubjectNotFound, Message: "subject not found"}
	ErrDuplicate       = &DomainError{Category: ErrCatConflict, Code: CodeDuplicate, Message: "record already exists"}
	ErrRunTerminal     = &DomainError{Category: ErrCatConflict, Code: CodeRunTerminal, Message: "run is in a terminal state"}
	ErrUnknownWorkflow = &DomainError{Category: ErrCatValidation, Code: CodeUnknownWorkflow, Message: "unknown workflow"}
)

// RunNotFound creates a not found error for a run.
func RunNotFound(id string) *DomainError {
	return &DomainError{Category: ErrCatNotFound, Code: CodeRunNotFound, Message: fmt.Sprintf("run not found: %s", id)}
}

// SubjectNotFound creates a not found error for a subject.
func SubjectNotFound(id string) *DomainError {
	return &DomainError{Category: ErrCatNotFound, Code: CodeSubjectNotFound, Message: fmt.Sprintf("subject not found: %s", id)}
}

// Duplicate creates a conflict error for a unique constraint hit.
func Duplicate(what string) *DomainError {
	return &DomainError{Category: ErrCatConflict, Code: CodeDuplicate, Message: fmt.Sprintf("%s already exists", what)}
}

// RunTerminal creates a conflict error for a transition out of a final state.
func RunTerminal(id string, status RunStatus) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     CodeRunTerminal,
		Message:  fmt.Sprintf("run %s is already %s", id, status),
	}
}

// UnknownWorkflow creates a validation error for an unrecognised workflow key.
func UnknownWorkflow(key string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: CodeUnknownWorkflow, Message: fmt.Sprintf("unknown workflow: %s", key)}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{Category: ErrCatExecution, Code: code, Message: message}
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}
