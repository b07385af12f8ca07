// Package errors provides unified error handling for the indexer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// RPC errors (1xxx)
	ErrCodeTransientRPC       ErrorCode = "RPC_1001"
	ErrCodeAllEndpointsFailed ErrorCode = "RPC_1002"
	ErrCodeSubscriptionClosed ErrorCode = "RPC_1003"

	// Store errors (2xxx)
	ErrCodeDeadlock      ErrorCode = "STORE_2001"
	ErrCodeDatabaseError ErrorCode = "STORE_2002"

	// Data errors (3xxx)
	ErrCodeDataIntegrity ErrorCode = "DATA_3001"
	ErrCodeOutOfRange    ErrorCode = "DATA_3002"
	ErrCodeInvalidInput  ErrorCode = "DATA_3003"

	// Extension errors (4xxx)
	ErrCodeInvalidManifest   ErrorCode = "EXT_4001"
	ErrCodeDependencyCycle   ErrorCode = "EXT_4002"
	ErrCodeMissingDependency ErrorCode = "EXT_4003"
	ErrCodeHandlerError      ErrorCode = "EXT_4004"

	// Service errors (5xxx)
	ErrCodeInternal ErrorCode = "SVC_5001"
	ErrCodeTimeout  ErrorCode = "SVC_5002"
	ErrCodeFatal    ErrorCode = "SVC_5003"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// RPC Errors

func TransientRPC(endpoint string, err error) *ServiceError {
	return Wrap(ErrCodeTransientRPC, "RPC call failed", http.StatusBadGateway, err).
		WithDetails("endpoint", endpoint)
}

func AllEndpointsFailed(method string, err error) *ServiceError {
	return Wrap(ErrCodeAllEndpointsFailed, "All RPC endpoints failed", http.StatusServiceUnavailable, err).
		WithDetails("method", method)
}

func SubscriptionClosed(method string, err error) *ServiceError {
	return Wrap(ErrCodeSubscriptionClosed, "Subscription closed", http.StatusServiceUnavailable, err).
		WithDetails("method", method)
}

// Store Errors

func Deadlock(err error) *ServiceError {
	return Wrap(ErrCodeDeadlock, "Store transaction deadlocked", http.StatusConflict, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Data Errors

func DataIntegrity(message string, height uint32) *ServiceError {
	return New(ErrCodeDataIntegrity, message, http.StatusConflict).
		WithDetails("height", height)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Extension Errors

func InvalidManifest(path, reason string) *ServiceError {
	return New(ErrCodeInvalidManifest, "Invalid extension manifest", http.StatusInternalServerError).
		WithDetails("path", path).
		WithDetails("reason", reason)
}

func DependencyCycle(ids []string) *ServiceError {
	return New(ErrCodeDependencyCycle, "Extension dependency cycle", http.StatusInternalServerError).
		WithDetails("extensions", ids)
}

func MissingDependency(id, dependency string) *ServiceError {
	return New(ErrCodeMissingDependency, "Extension dependency not loaded", http.StatusInternalServerError).
		WithDetails("extension", id).
		WithDetails("dependency", dependency)
}

func HandlerError(extension string, err error) *ServiceError {
	return Wrap(ErrCodeHandlerError, "Extension handler failed", http.StatusInternalServerError, err).
		WithDetails("extension", extension)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func Fatal(message string, err error) *ServiceError {
	return Wrap(ErrCodeFatal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
