package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/pkg/client"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnavailable is returned when a component is disabled or
	// not connected
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeUpstream wraps a failure reported by the backend
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeNotFound,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusNotFound,
	}
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeUnavailable,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusServiceUnavailable,
	}
}

// UpstreamError creates a new bad gateway error
func UpstreamError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeUpstream,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadGateway,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeTimeout,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusGatewayTimeout,
	}
}

// FromError maps an error from the sync components onto the taxonomy
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var backendErr *client.APIError
	if errors.As(err, &backendErr) {
		if backendErr.StatusCode == http.StatusNotFound {
			return NotFoundError("backend_not_found", backendErr.Message)
		}
		return UpstreamError("backend_error", backendErr.Message).
			WithDetails(map[string]int{"status": backendErr.StatusCode})
	}

	var invErr *hub.InvocationError
	if errors.As(err, &invErr) {
		return UpstreamError("hub_invocation_failed", invErr.Error())
	}

	switch {
	case errors.Is(err, hub.ErrNotConnected), errors.Is(err, hub.ErrConnectionClosed):
		return UnavailableError("hub_not_connected", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutError("timeout", err.Error())
	}

	// Default to an internal server error
	return InternalError("internal_error", err.Error())
}
