// Package apperr provides unified error handling with structured error codes.
// Codes drive the retry/terminal partition in the resolution pipeline and map
// to user-facing remediation messages for terminal failures.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry decisions and user messaging.
type Code int

const (
	CodeUnknown Code = iota

	// Terminal credential/quota classes: retrying cannot fix these.
	CodeCredentialMissing
	CodeCredentialInvalid
	CodeCredentialBlocked
	CodeQuotaExhausted

	// Transient network classes: retryable for generative calls.
	CodeNetworkTimeout
	CodeNetworkError

	// Data classes.
	CodeDecode
	CodeParse
	CodeEmptyResult
	CodeUnsupportedStorage
)

// String returns the code name for logging.
func (c Code) String() string {
	switch c {
	case CodeCredentialMissing:
		return "CREDENTIAL_MISSING"
	case CodeCredentialInvalid:
		return "CREDENTIAL_INVALID"
	case CodeCredentialBlocked:
		return "CREDENTIAL_BLOCKED"
	case CodeQuotaExhausted:
		return "QUOTA_EXHAUSTED"
	case CodeNetworkTimeout:
		return "NETWORK_TIMEOUT"
	case CodeNetworkError:
		return "NETWORK_ERROR"
	case CodeDecode:
		return "DECODE_ERROR"
	case CodeParse:
		return "PARSE_ERROR"
	case CodeEmptyResult:
		return "EMPTY_RESULT"
	case CodeUnsupportedStorage:
		return "UNSUPPORTED_STORAGE"
	default:
		return "UNKNOWN"
	}
}

// AppError is the base error type with a structured code and optional cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if e.Cause != nil {
		s += fmt.Sprintf(": %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTerminal reports whether retrying can never fix the error.
func IsTerminal(err error) bool {
	switch CodeOf(err) {
	case CodeCredentialMissing, CodeCredentialInvalid, CodeCredentialBlocked, CodeQuotaExhausted:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error is worth retrying.
// Unknown errors are treated as retryable; terminal and data errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNetworkTimeout, CodeNetworkError, CodeUnknown:
		return true
	default:
		return false
	}
}

// Remediation returns a user-facing recovery hint for terminal classes,
// or an empty string when no specific action helps.
func Remediation(err error) string {
	switch CodeOf(err) {
	case CodeCredentialMissing:
		return "No API key is configured. Set GEMINI_API_KEY and restart."
	case CodeCredentialInvalid:
		return "The configured API key was rejected. Check GEMINI_API_KEY for typos or expiry."
	case CodeCredentialBlocked:
		return "The configured API key is blocked for this service. Enable the Generative Language API for the key's project."
	case CodeQuotaExhausted:
		return "The API quota is exhausted. Wait for the quota window to reset or raise the limit."
	default:
		return ""
	}
}
