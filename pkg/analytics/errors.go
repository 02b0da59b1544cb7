package analytics

import (
	"errors"
	"fmt"
)

// Error code constants. Every error the analytics engine surfaces maps to one of these.
const (
	ErrCodeValidation        = "validation_error"
	ErrCodeInsufficientData  = "insufficient_data"
	ErrCodeUnsupportedMethod = "unsupported_method"
	ErrCodeDataSource        = "data_source_error"
	ErrCodeComputation       = "computation_error"
)

// ErrReferenceNotFound is returned by reference sources when an industry has
// no configured distribution for a metric.
var ErrReferenceNotFound = errors.New("reference distribution not found")

// Error is a typed analytics error. Use the IsXxx helpers below to classify
// errors without inspecting fields.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`    // Offending request field, for validation errors.
	Method   string `json:"method,omitempty"`   // Statistical method or data source operation.
	Required int    `json:"required,omitempty"` // Minimum sample size, for insufficient data.
	Actual   int    `json:"actual,omitempty"`   // Sample size supplied, for insufficient data.
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports a malformed or missing request field.
func NewValidationError(field, message string) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
		Field:   field,
	}
}

// NewInsufficientDataError reports that method needs at least required points but got actual.
func NewInsufficientDataError(method string, required, actual int) *Error {
	return &Error{
		Code:     ErrCodeInsufficientData,
		Message:  fmt.Sprintf("%s requires at least %d data points, got %d", method, required, actual),
		Method:   method,
		Required: required,
		Actual:   actual,
	}
}

// NewUnsupportedMethodError reports an unrecognized enum value of the given kind
// (for example "forecast method" or "granularity").
func NewUnsupportedMethodError(kind, value string) *Error {
	return &Error{
		Code:    ErrCodeUnsupportedMethod,
		Message: fmt.Sprintf("unsupported %s %q", kind, value),
		Method:  value,
	}
}

// NewDataSourceError wraps an external fetch failure or timeout.
func NewDataSourceError(op string, err error) *Error {
	return &Error{
		Code:    ErrCodeDataSource,
		Message: op + " failed",
		Method:  op,
		Err:     err,
	}
}

// NewComputationError reports numeric degeneracy that makes method meaningless.
func NewComputationError(method, message string) *Error {
	return &Error{
		Code:    ErrCodeComputation,
		Message: method + ": " + message,
		Method:  method,
	}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsInsufficientData reports whether err is an insufficient data error.
func IsInsufficientData(err error) bool {
	return hasCode(err, ErrCodeInsufficientData)
}

// IsUnsupportedMethod reports whether err is an unsupported method error.
func IsUnsupportedMethod(err error) bool {
	return hasCode(err, ErrCodeUnsupportedMethod)
}

// IsDataSource reports whether err is a data source failure.
func IsDataSource(err error) bool {
	return hasCode(err, ErrCodeDataSource)
}

// IsComputation reports whether err is a computation error.
func IsComputation(err error) bool {
	return hasCode(err, ErrCodeComputation)
}

// IsRetryable reports whether the call may succeed on retry.
func IsRetryable(err error) bool {
	return IsDataSource(err)
}

func hasCode(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
