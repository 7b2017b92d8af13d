// Package errors defines the application error taxonomy shared by intake, workers and stores.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the stable category of an AppError. HTTP status mapping and
// worker retry decisions both key off it.
type ErrorCode string

// Intake and lookup failures.
const (
	ErrCodeValidation       ErrorCode = "validation"
	ErrCodeNotFound         ErrorCode = "not_found"
	ErrCodeConflict         ErrorCode = "conflict"
	ErrCodeForeignKey       ErrorCode = "foreign_key"
	ErrCodeRateLimited      ErrorCode = "rate_limited"      // admission denied, no job created
	ErrCodeQueueUnavailable ErrorCode = "queue_unavailable" // enqueue failed, caller may retry
)

// Pipeline and infrastructure failures.
const (
	ErrCodeToolError       ErrorCode = "tool_error"       // counted against the tool's breaker
	ErrCodeToolUnavailable ErrorCode = "tool_unavailable" // rejected by an open breaker
	ErrCodeStore           ErrorCode = "store"
	ErrCodeLogStore        ErrorCode = "log_store" // best effort, never fails a job
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeCanceled        ErrorCode = "canceled"
	ErrCodeInternal        ErrorCode = "internal"
)

// AppError carries a code and a caller-facing message. Field names the
// offending input for validation errors and the client for rate limits.
// RetryAfter is set on rate limits when the wait is known.
type AppError struct {
	Code       ErrorCode
	Message    string
	Cause      error
	Field      string
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New returns an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches code and message to err. It returns nil for a nil err.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError   { return New(ErrCodeNotFound, message) }
func Conflict(message string) *AppError   { return New(ErrCodeConflict, message) }
func Validation(message string) *AppError { return New(ErrCodeValidation, message) }
func Internal(message string) *AppError   { return New(ErrCodeInternal, message) }

func NotFoundf(format string, args ...any) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// ValidationField reports invalid input in field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// RateLimited reports that clientID exhausted its admission budget.
func RateLimited(clientID string) *AppError {
	return &AppError{Code: ErrCodeRateLimited, Message: "rate limit exceeded", Field: clientID}
}

// QueueUnavailable wraps an enqueue failure seen at intake.
func QueueUnavailable(cause error) *AppError {
	return &AppError{Code: ErrCodeQueueUnavailable, Message: "job queue unavailable", Cause: cause}
}

// Store wraps a failure of the transactional store behind op. Database
// errors that MapDBError can classify keep their code, so a check violation
// still surfaces as validation; anything else becomes ErrCodeStore.
func Store(cause error, op string) *AppError {
	if cause == nil {
		return nil
	}
	var mapped *AppError
	if errors.As(MapDBError(cause), &mapped) {
		switch mapped.Code {
		case ErrCodeValidation, ErrCodeConflict, ErrCodeForeignKey, ErrCodeNotFound, ErrCodeTimeout, ErrCodeCanceled:
			return &AppError{Code: mapped.Code, Message: op + ": " + mapped.Message, Field: mapped.Field, Cause: cause}
		}
	}
	return &AppError{Code: ErrCodeStore, Message: "transactional store: " + op, Cause: cause}
}

// LogStore wraps a failed execution log append.
func LogStore(cause error) *AppError {
	return Wrap(cause, ErrCodeLogStore, "execution log append failed")
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	for errors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func IsNotFound(err error) bool         { return HasCode(err, ErrCodeNotFound) }
func IsConflict(err error) bool         { return HasCode(err, ErrCodeConflict) }
func IsValidation(err error) bool       { return HasCode(err, ErrCodeValidation) }
func IsForeignKey(err error) bool       { return HasCode(err, ErrCodeForeignKey) }
func IsTimeout(err error) bool          { return HasCode(err, ErrCodeTimeout) }
func IsCanceled(err error) bool         { return HasCode(err, ErrCodeCanceled) }
func IsRateLimited(err error) bool      { return HasCode(err, ErrCodeRateLimited) }
func IsQueueUnavailable(err error) bool { return HasCode(err, ErrCodeQueueUnavailable) }
func IsToolError(err error) bool        { return HasCode(err, ErrCodeToolError) }
func IsToolUnavailable(err error) bool  { return HasCode(err, ErrCodeToolUnavailable) }
func IsStore(err error) bool            { return HasCode(err, ErrCodeStore) }

// GetCode returns the outermost AppError's code, or "" when err has none.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetRetryAfter returns the outermost AppError's RetryAfter.
func GetRetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// GetField returns the outermost AppError's Field.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
