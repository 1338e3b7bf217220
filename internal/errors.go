package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidSlot      ErrorCode = "INVALID_SLOT"
	ErrCodeInvalidGateway   ErrorCode = "INVALID_GATEWAY"

	ErrCodeBookingNotFound      ErrorCode = "BOOKING_NOT_FOUND"
	ErrCodeAttemptNotFound      ErrorCode = "PAYMENT_ATTEMPT_NOT_FOUND"
	ErrCodeUnknownReference     ErrorCode = "UNKNOWN_PAYMENT_REFERENCE"
	ErrCodeStaleTransition      ErrorCode = "STALE_TRANSITION"
	ErrCodeActiveAttemptExists  ErrorCode = "ACTIVE_ATTEMPT_EXISTS"
	ErrCodeInvalidBookingStatus ErrorCode = "INVALID_BOOKING_STATUS"

	ErrCodeInvalidSignature ErrorCode = "INVALID_WEBHOOK_SIGNATURE"
	ErrCodeGatewayTimeout   ErrorCode = "GATEWAY_TIMEOUT"
	ErrCodeGatewayError     ErrorCode = "GATEWAY_ERROR"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewExternalError(message string, code ErrorCode, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

var (
	ErrBookingNotFound      = NewNotFoundError("Booking not found", ErrCodeBookingNotFound)
	ErrAttemptNotFound      = NewNotFoundError("Payment attempt not found", ErrCodeAttemptNotFound)
	ErrUnknownReference     = NewNotFoundError("Unknown payment reference", ErrCodeUnknownReference)
	ErrStaleTransition      = NewConflictError("booking was updated concurrently", ErrCodeStaleTransition)
	ErrActiveAttemptExists  = NewConflictError("an active payment attempt already exists for this booking", ErrCodeActiveAttemptExists)
	ErrInvalidBookingStatus = NewConflictError("booking status does not allow this operation", ErrCodeInvalidBookingStatus)
	ErrInvalidSignature     = NewUnauthorizedError("webhook signature verification failed", ErrCodeInvalidSignature)
)

// TransientGatewayError wraps network and timeout failures talking to a
// payment gateway. Callers retry these with bounded backoff; exhaustion
// expires the payment attempt, never the booking itself.
type TransientGatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error {
	return e.Err
}

func NewTransientGatewayError(gateway, op string, err error) *TransientGatewayError {
	return &TransientGatewayError{Gateway: gateway, Op: op, Err: err}
}

func IsTransientGatewayError(err error) bool {
	var tge *TransientGatewayError
	return errors.As(err, &tge)
}

func IsConflict(err error) bool {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Type == ErrorTypeConflict
	}
	return false
}

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
