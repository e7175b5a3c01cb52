package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/axnotify/internal/domain"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeSetup represents a subscription that could not be established
	ErrorTypeSetup ErrorType = "setup_failed"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnavailable represents a service that cannot take the request now
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"` // Not serialized
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

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
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

// SetupError creates an error for a subscription that left nothing behind
func SetupError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeSetup,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusUnprocessableEntity,
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

// FromError creates a new API error from a Go error, mapping the
// notification center's errors onto their HTTP equivalents
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	// Check if it's already an APIError
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var setup *domain.SetupFailedError
	switch {
	case stderrors.Is(err, domain.ErrTokenNotFound):
		return NotFoundError("token_not_found", err.Error())
	case stderrors.Is(err, domain.ErrUnknownNotification):
		return ValidationError("unknown_notification", err.Error())
	case stderrors.Is(err, domain.ErrCenterClosed):
		return UnavailableError("center_closed", err.Error())
	case stderrors.As(err, &setup):
		if setup.Stage == domain.StageValidate {
			return ValidationError("invalid_subscription", err.Error())
		}
		return SetupError(string(setup.Stage), err.Error()).
			WithDetails(map[string]string{"stage": string(setup.Stage), "key": setup.Key.String()})
	}

	// Default to an internal server error
	return InternalError("internal_error", err.Error())
}
