package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases.
// Use errors.Is() to check against these.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrAuthExpired    = errors.New("authentication expired")
	ErrAuthInvalid    = errors.New("authentication invalid")
	ErrAuthRequired   = errors.New("authentication required")
	ErrUpstreamError  = errors.New("upstream error")
	ErrRateLimited    = errors.New("rate limited")
	ErrClientOutdated = errors.New("client outdated")
)

// Error codes carried on the wire. The backend uses these to distinguish
// renewable auth failures from terminal ones; the gateway routes on them.
const (
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUpstreamError   = "UPSTREAM_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeClientOutdated  = "CLIENT_OUTDATED"
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"` // HTTP status, not serialized
	Err        error  `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAuthExpiredError creates a 401 error for an expired access credential.
// This is the renewable class: the refresh coordinator handles it transparently.
func NewAuthExpiredError() *APIError {
	return &APIError{
		Code:       CodeTokenExpired,
		Message:    "access credential expired",
		StatusCode: 401,
		Err:        ErrAuthExpired,
	}
}

// NewAuthInvalidError creates a 401 error for a credential that cannot be
// renewed (deleted account, forged token). Never routed through refresh.
func NewAuthInvalidError(reason string) *APIError {
	return &APIError{
		Code:       CodeUserNotFound,
		Message:    reason,
		StatusCode: 401,
		Err:        ErrAuthInvalid,
	}
}

// NewValidationError creates a 400 error for invalid input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       CodeValidationError,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidRequest,
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewUpstreamError creates a 502 error for backend/transport failures.
func NewUpstreamError(service string, err error) *APIError {
	return &APIError{
		Code:       CodeUpstreamError,
		Message:    fmt.Sprintf("%s request failed", service),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %v", ErrUpstreamError, err),
	}
}

// NewRateLimitError creates a 429 error for rate limiting.
func NewRateLimitError(service string) *APIError {
	return &APIError{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("%s rate limit exceeded, please retry later", service),
		StatusCode: 429,
		Err:        ErrRateLimited,
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       CodeInternalError,
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}

// NewClientOutdatedError creates a 426 error when the backend refuses this
// client version.
func NewClientOutdatedError(minVersion string) *APIError {
	return &APIError{
		Code:       CodeClientOutdated,
		Message:    fmt.Sprintf("client update required, minimum version %s", minVersion),
		StatusCode: 426,
		Err:        ErrClientOutdated,
	}
}

// AuthRequiredError is returned to callers after a terminal refresh failure
// or an identity-gone signal. ReturnTo preserves the location the caller was
// targeting so the UI can restore it after re-authentication.
type AuthRequiredError struct {
	ReturnTo string
	Err      error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required (return to %s): %v", e.ReturnTo, e.Err)
}

func (e *AuthRequiredError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrAuthRequired
}

// Is reports whether target matches the auth-required class.
func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// IsAuthExpired reports whether err is the renewable authentication failure.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsAuthInvalid reports whether err is the terminal authentication failure
// (identity gone, no refresh can repair it).
func IsAuthInvalid(err error) bool {
	return errors.Is(err, ErrAuthInvalid)
}
