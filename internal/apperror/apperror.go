package apperror

import (
	"errors"
	"net/http"
)

// Error carries a stable machine code, a message safe to show to the job
// owner, and the wrapped internal cause which is only ever logged.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Internal   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Internal
}

var (
	ErrNotFound = &Error{
		Code:       "not_found",
		Message:    "The requested resource was not found",
		StatusCode: http.StatusNotFound,
	}

	ErrJobNotFound = &Error{
		Code:       "job_not_found",
		Message:    "The generation job was not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &Error{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrUnauthorized = &Error{
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &Error{
		Code:       "forbidden",
		Message:    "You don't have permission to access this resource",
		StatusCode: http.StatusForbidden,
	}

	ErrUnknownProvider = &Error{
		Code:       "unknown_provider",
		Message:    "This generation provider is not supported",
		StatusCode: http.StatusBadRequest,
	}

	ErrProviderUnavailable = &Error{
		Code:       "provider_unavailable",
		Message:    "The generation provider is temporarily unavailable. Please try again later",
		StatusCode: http.StatusBadGateway,
	}

	ErrInvalidPayload = &Error{
		Code:       "invalid_payload",
		Message:    "The provider returned a response we could not understand",
		StatusCode: http.StatusBadGateway,
	}

	ErrJobAlreadyTerminal = &Error{
		Code:       "job_already_terminal",
		Message:    "This job has already finished and cannot be changed",
		StatusCode: http.StatusConflict,
	}

	ErrStorageFailed = &Error{
		Code:       "storage_failed",
		Message:    "Your generation finished but we could not save the results. You have not been charged",
		StatusCode: http.StatusInternalServerError,
	}

	ErrGenerationTimeout = &Error{
		Code:       "generation_timeout",
		Message:    "The generation took too long and was abandoned",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrRateLimited = &Error{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrInternal = &Error{
		Code:       "internal_error",
		Message:    "An unexpected error occurred. Please try again later",
		StatusCode: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &Error{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable. Please try again later",
		StatusCode: http.StatusServiceUnavailable,
	}
)

func New(code, message string, statusCode int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Wrap(err error, appErr *Error) *Error {
	return &Error{
		Code:       appErr.Code,
		Message:    appErr.Message,
		StatusCode: appErr.StatusCode,
		Internal:   err,
	}
}

func WrapWithMessage(err error, code, message string, statusCode int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Internal:   err,
	}
}

func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func SafeMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}
