// Package errors provides custom error types with error codes for voucher.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal     Code = "INTERNAL"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// Authentication-flow errors
	CodeMissingCode       Code = "MISSING_CODE"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeTokenExchange     Code = "TOKEN_EXCHANGE"
	CodeAPIRequest        Code = "API_REQUEST"
	CodeProviderError     Code = "PROVIDER_ERROR"
	CodeProviderTransport Code = "PROVIDER_TRANSPORT"
	CodeProviderComm      Code = "PROVIDER_COMMUNICATION"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// Authentication-flow error constructors

// MissingCode signals a callback request without an authorization code.
func MissingCode(message string) *Error {
	return New(CodeMissingCode, message)
}

// InvalidState signals an unknown or expired CSRF state token.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// TokenExchange wraps a failure in the code-for-token exchange.
func TokenExchange(message string, err error) *Error {
	return Wrap(CodeTokenExchange, message, err)
}

// APIRequest wraps a failure in an authenticated provider API call.
func APIRequest(message string, err error) *Error {
	return Wrap(CodeAPIRequest, message, err)
}

// ProviderError signals an error payload returned by the identity provider.
func ProviderError(message string) *Error {
	return New(CodeProviderError, message)
}

// ProviderTransport wraps a network-level failure reaching the provider.
func ProviderTransport(message string, err error) *Error {
	return Wrap(CodeProviderTransport, message, err)
}

// ProviderComm signals any other non-success provider outcome.
func ProviderComm(message string) *Error {
	return New(CodeProviderComm, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput, CodeMissingCode, CodeInvalidState:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeProviderTransport:
		return http.StatusServiceUnavailable
	case CodeProviderError, CodeProviderComm, CodeTokenExchange, CodeAPIRequest:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
