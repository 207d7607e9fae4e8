// Package errors provides standardized error types for the database broker.
package errors

import (
	"errors"
	"fmt"
)

// Error codes covering connectivity, enforcement, and lifecycle failures.
const (
	CodeConnectionRefused  = "CONNECTION_REFUSED"
	CodeConnectionTimeout  = "CONNECTION_TIMEOUT"
	CodeHostNotFound       = "HOST_NOT_FOUND"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeUnknownDatabase    = "UNKNOWN_DATABASE"
	CodeAcquisitionTimeout = "ACQUISITION_TIMEOUT"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeWritePermission    = "WRITE_PERMISSION_DETECTED"
	CodeOperationTimeout   = "OPERATION_TIMEOUT"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeSessionInvalidated = "SESSION_INVALIDATED"
	CodeTransportStale     = "TRANSPORT_STALE"
	CodePoolNotFound       = "POOL_NOT_FOUND"
	CodePoolClosed         = "POOL_CLOSED"
	CodeQueryFailed        = "QUERY_FAILED"
	CodeUnsupported        = "UNSUPPORTED_OPERATION"
	CodeInternal           = "INTERNAL_ERROR"
)

// DatabaseError represents a broker error with code, message, and optional
// details.
type DatabaseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *DatabaseError) Is(target error) bool {
	t, ok := target.(*DatabaseError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *DatabaseError) WithDetail(key string, value interface{}) *DatabaseError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors.
var (
	ErrPoolNotFound    = &DatabaseError{Code: CodePoolNotFound, Message: "no pool registered for database"}
	ErrPoolClosed      = &DatabaseError{Code: CodePoolClosed, Message: "pool is closed"}
	ErrWritePermission = &DatabaseError{Code: CodeWritePermission, Message: "connection is not strictly read-only"}
	ErrCircuitOpen     = &DatabaseError{Code: CodeCircuitOpen, Message: "circuit breaker is open"}
	ErrTransportStale  = &DatabaseError{Code: CodeTransportStale, Message: "warehouse transport is stale"}
)

// New creates a new DatabaseError with the given code and message.
func New(code, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new DatabaseError with a formatted message.
func Newf(code, format string, args ...interface{}) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a DatabaseError.
func Wrap(err error, code, message string) *DatabaseError {
	if err == nil {
		return nil
	}
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *DatabaseError {
	if err == nil {
		return nil
	}
	return &DatabaseError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Code
	}
	return CodeInternal
}

// IsCode checks whether an error carries the given code.
func IsCode(err error, code string) bool {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Code == code
	}
	return false
}

// IsTimeout checks if an error is a timeout raised by the timeout governor.
func IsTimeout(err error) bool {
	return IsCode(err, CodeOperationTimeout) || IsCode(err, CodeConnectionTimeout) ||
		IsCode(err, CodeAcquisitionTimeout)
}

// IsWritePermission checks if an error is a write-permission rejection.
func IsWritePermission(err error) bool {
	return IsCode(err, CodeWritePermission)
}

// IsCircuitOpen checks if an error is a circuit-breaker rejection.
func IsCircuitOpen(err error) bool {
	return IsCode(err, CodeCircuitOpen)
}
