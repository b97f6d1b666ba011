package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error class. LLM_* codes drive the
// executor's retry decision.
type ErrorCode string

const (
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	CodeLLMInvalidParams  ErrorCode = "LLM_INVALID_PARAMS"
	CodeLLMTemplate       ErrorCode = "LLM_TEMPLATE_RENDER_ERROR"
	CodeLLMTokenNotFound  ErrorCode = "LLM_TOKEN_NOT_FOUND"
	CodeLLMProviderError  ErrorCode = "LLM_PROVIDER_ERROR"
	CodeLLMRateLimit      ErrorCode = "LLM_RATE_LIMIT"
	CodeLLMTimeout        ErrorCode = "LLM_TIMEOUT"
	CodeLLMOutputParse    ErrorCode = "LLM_OUTPUT_PARSE_ERROR"
)

// RetryReasonFor maps an error code to its retry reason class.
// Codes outside the transient set return false and are never retried.
func RetryReasonFor(code ErrorCode) (RetryReason, bool) {
	switch code {
	case CodeLLMTimeout:
		return RetryTimeout, true
	case CodeLLMProviderError:
		return RetryProviderError, true
	case CodeLLMRateLimit:
		return RetryRateLimit, true
	}
	return "", false
}

// CodedError is an execution-time error carrying a machine-readable code.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError creates a coded error with a formatted message
func NewCodedError(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCoded wraps err under a code, preserving it for errors.Is/As
func WrapCoded(code ErrorCode, err error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code from err, or "" when err carries none
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// FieldIssue is one per-field diagnostic attached to a validation error.
type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError is the single structured failure produced by profile
// validation. This is the only layer expected to produce user-facing,
// field-level diagnostics.
type ValidationError struct {
	Message string       `json:"message"`
	Details []FieldIssue `json:"details,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", CodeValidation, e.Message)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// WithIssue appends a field-level diagnostic
func (e *ValidationError) WithIssue(path, format string, args ...any) *ValidationError {
	e.Details = append(e.Details, FieldIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	return e
}
