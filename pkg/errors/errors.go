// Package errors defines the error taxonomy for the adaptive learning core.
//
// Only validation errors propagate to callers as Go errors. Bounds violations
// are reported as boolean results on the mutation APIs, component and
// persistence failures are absorbed at the nearest boundary and reflected in
// health state, and a learning cycle requested while one is running is a
// "skipped" result, not an error.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrorType categorizes errors for propagation and health accounting.
type ErrorType string

const (
	// ErrorTypeValidation marks bad caller input (unknown parameter, unknown
	// metric kind, malformed samples). The only type surfaced to callers.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeComponent marks a failure inside a leaf component during a
	// controller-mediated call. Counted toward that component's health.
	ErrorTypeComponent ErrorType = "component"

	// ErrorTypePersistence marks a load/save failure against the state store.
	// Logged, never aborts the calling operation.
	ErrorTypePersistence ErrorType = "persistence"

	// ErrorTypeConcurrency marks a learning cycle requested while one is
	// already running. Reported as "skipped" in the cycle result.
	ErrorTypeConcurrency ErrorType = "concurrency"

	// ErrorTypeInternal marks unexpected internal failures.
	ErrorTypeInternal ErrorType = "internal"
)

// SystemError is the structured error used across the adaptive core.
type SystemError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *SystemError) Unwrap() error {
	return e.Cause
}

// Is compares by type and code so sentinel checks survive wrapping.
func (e *SystemError) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(*SystemError); ok {
		return e.Type == se.Type && e.Code == se.Code
	}
	return errors.Is(e.Cause, target)
}

// LogAttrs converts the error to structured log attributes.
func (e *SystemError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Component != "" {
		attrs = append(attrs, slog.String("component", e.Component))
	}
	if e.Operation != "" {
		attrs = append(attrs, slog.String("operation", e.Operation))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	return attrs
}

// Validation creates a validation error. code identifies the specific
// rejection (e.g. "unknown_parameter", "invalid_metric_kind").
func Validation(code, format string, args ...any) *SystemError {
	return &SystemError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// Component wraps a leaf-component failure observed by the controller.
func Component(component, operation string, cause error) *SystemError {
	return &SystemError{
		Type:      ErrorTypeComponent,
		Code:      "component_failure",
		Message:   fmt.Sprintf("component %q failed during %s", component, operation),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
		Cause:     cause,
		Retryable: true,
	}
}

// Persistence wraps a state-store failure.
func Persistence(operation string, cause error) *SystemError {
	return &SystemError{
		Type:      ErrorTypePersistence,
		Code:      "persistence_failure",
		Message:   fmt.Sprintf("state store %s failed", operation),
		Operation: operation,
		Timestamp: time.Now(),
		Cause:     cause,
		Retryable: true,
	}
}

// Internal wraps an unexpected failure with its cause.
func Internal(message string, cause error) *SystemError {
	return &SystemError{
		Type:      ErrorTypeInternal,
		Code:      "internal_error",
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	var se *SystemError
	if errors.As(err, &se) {
		return se.Type == ErrorTypeValidation
	}
	return false
}

// IsRetryable reports whether err is a retryable system error.
func IsRetryable(err error) bool {
	var se *SystemError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
