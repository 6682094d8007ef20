package flow

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeMissingArgument = "MISSING_ARGUMENT"
	ErrCodeUnknownStep     = "UNKNOWN_STEP"
	ErrCodeConditionEval   = "CONDITION_EVAL"
	ErrCodeConditionFalse  = "CONDITION_FALSE"
	ErrCodeExpression      = "EXPRESSION_ERROR"
	ErrCodeToolFailed      = "TOOL_FAILED"
	ErrCodeToolDenied      = "TOOL_DENIED"
	ErrCodeAssertion       = "ASSERTION_FAILED"
	ErrCodePathDenied      = "PATH_DENIED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeStepBudget      = "STEP_BUDGET_EXCEEDED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeVault           = "VAULT_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Error is the structured error type for all stepflow operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stepflow error code from err, or ErrCodeInternal
// for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}
