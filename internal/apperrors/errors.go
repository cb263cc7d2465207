// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInternal         = errors.New("internal error")
	ErrServiceNotFound  = errors.New("service not found")
	ErrUnknownService   = errors.New("unknown service")
	ErrUnknownApp       = errors.New("unknown app")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "id", "state")
	Resource string // For not found/conflict (e.g., "job", "service")
	Key      string // Identifier of the resource or registry key
	Op       string // Operation that failed (e.g., "redis.set")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		Key:      id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		Key:      id,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ServiceNotFound reports a service-instance descriptor missing from the service collection.
func ServiceNotFound(id string) error {
	return &Error{
		Sentinel: ErrServiceNotFound,
		Message:  "Service not found",
		Resource: "service",
		Key:      id,
	}
}

// UnknownService reports a className with no registered implementation.
func UnknownService(className string) error {
	return &Error{
		Sentinel: ErrUnknownService,
		Message:  fmt.Sprintf("no service registered for class %q", className),
		Resource: "service",
		Key:      className,
	}
}

// UnknownApp reports an appClassName with no registered application context.
func UnknownApp(appClassName string) error {
	return &Error{
		Sentinel: ErrUnknownApp,
		Message:  fmt.Sprintf("no app registered for class %q", appClassName),
		Resource: "app",
		Key:      appClassName,
	}
}

// MethodNotAllowed reports an HTTP method the endpoint does not accept.
func MethodNotAllowed(method string) error {
	return &Error{
		Sentinel: ErrMethodNotAllowed,
		Message:  "Method not allowed",
		Op:       method,
	}
}
