package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeRequiredField     = "REQUIRED_FIELD"
	ErrCodeInvalidJSON       = "INVALID_JSON"
	ErrCodeUploadInProgress  = "UPLOAD_IN_PROGRESS"
	ErrCodeSchemaMismatch    = "SCHEMA_MISMATCH"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeSync              = "SYNC_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// StepError is the structured error type for all single-step run operations.
type StepError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Field   string         `json:"field,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepError.
func NewError(code, message string) *StepError {
	return &StepError{Code: code, Message: message}
}

// NewErrorf creates a new StepError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *StepError) WithNode(nodeID string) *StepError {
	e.NodeID = nodeID
	return e
}

// WithField attaches the offending input field's variable name.
func (e *StepError) WithField(variable string) *StepError {
	e.Field = variable
	return e
}

// WithCause attaches an underlying cause.
func (e *StepError) WithCause(err error) *StepError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepError) WithDetails(details map[string]any) *StepError {
	e.Details = details
	return e
}

// ErrorCode returns the code of err if it is (or wraps) a StepError, "" otherwise.
func ErrorCode(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
