package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and repositories use these instead of
// hardcoded strings so HTTP mapping and log filtering stay consistent.
const (
	// Validation (400)
	ErrCodeValidationTargetType    ErrorCode = "validation_invalid_target_type"
	ErrCodeValidationInterval      ErrorCode = "validation_invalid_interval"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON   ErrorCode = "validation_invalid_json"
	ErrCodeValidationIdentifier    ErrorCode = "validation_invalid_identifier"

	// Auth (401/403)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Conflict (409)
	ErrCodeConflictDuplicateMapping ErrorCode = "conflict_duplicate_mapping"
	ErrCodeConflictTargetClaimed    ErrorCode = "conflict_target_claimed"
	ErrCodeConflictConcurrent       ErrorCode = "conflict_concurrent_modification"

	// Capacity (409) - plan and batch limit refusals
	ErrCodeCapacityExceedsMax ErrorCode = "capacity_target_exceeds_max"
	ErrCodeCapacityPlanLimit  ErrorCode = "capacity_plan_limit_reached"

	// Not Found (404)
	ErrCodeNotFoundSchedule ErrorCode = "not_found_schedule_entry"
	ErrCodeNotFoundMapping  ErrorCode = "not_found_mapping"
	ErrCodeNotFoundTarget   ErrorCode = "not_found_target"
	ErrCodeNotFoundRun      ErrorCode = "not_found_job_run"

	// Upstream (502)
	ErrCodeUpstreamApify       ErrorCode = "upstream_apify_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_timeout"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Config - fatal at startup, never mapped to HTTP
	ErrCodeConfigMissingSecret ErrorCode = "config_missing_secret"
)

// HTTPStatus maps an ErrorCode to its HTTP status code. Unrecognized codes
// map to 500 as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthTokenMissing):
		return http.StatusUnauthorized
	case s == string(ErrCodeAuthTokenInvalid):
		return http.StatusForbidden
	case strings.HasPrefix(s, "conflict_"), strings.HasPrefix(s, "capacity_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. Domain and handler errors
// are expressed as AppError for consistent formatting, HTTP mapping, and
// error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// AsAppError unwraps err to an *AppError if one is in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
