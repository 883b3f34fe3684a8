package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies an engine error. Kinds are semantic: two errors of
// the same kind are handled identically by retry middleware and router
// fallback regardless of which adapter produced them.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindRateLimit      ErrorKind = "rate_limit"
	KindValidation     ErrorKind = "validation"
	KindProvider       ErrorKind = "provider"
	KindNetwork        ErrorKind = "network"
	KindStream         ErrorKind = "stream"
	KindConversion     ErrorKind = "conversion"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
)

// retryableKinds is the fixed retryability table from the error taxonomy.
var retryableKinds = map[ErrorKind]bool{
	KindRateLimit: true,
	KindProvider:  true,
	KindNetwork:   true,
	KindStream:    true,
	KindTimeout:   true,
}

// Error is the engine's structured error type, carrying classification,
// HTTP context and adapter provenance.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Status is the HTTP status that produced the error, when applicable.
	Status int `json:"status,omitempty"`
	// Code is the provider's own error code, when reported.
	Code string `json:"code,omitempty"`
	// Provider names the adapter that produced the error.
	Provider string `json:"provider,omitempty"`
	// Field names the offending field for validation errors.
	Field string `json:"field,omitempty"`
	// RetryAfter is the provider-requested delay for rate-limit errors.
	RetryAfter time.Duration `json:"-"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = e.Provider + ": " + prefix
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d, code=%s)", prefix, e.Message, e.Status, e.Code)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", prefix, e.Message, e.Field)
	}
	return prefix + ": " + e.Message
}

// Unwrap returns the underlying error for error chaining.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error class permits retrying.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether err should trigger a retry. Context
// cancellation and deadline errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if ce, ok := AsError(err); ok {
		return ce.Retryable()
	}
	return false
}

// KindOf returns the error kind, or empty for foreign errors.
func KindOf(err error) ErrorKind {
	if ce, ok := AsError(err); ok {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return ""
}

// KindForStatus is the shared HTTP classification table:
// 401 authentication, 403 authorization, 404/409/422 validation,
// 408 timeout, 429 rate limit, 5xx provider.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound,
		status == http.StatusConflict,
		status == http.StatusUnprocessableEntity,
		status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindProvider
	default:
		return KindProvider
	}
}

// NewValidationError creates a non-retryable validation error for a field.
func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// NewConversionError creates an adapter conversion error with provenance.
func NewConversionError(provider, message string, err error) *Error {
	return &Error{Kind: KindConversion, Provider: provider, Message: message, Err: err}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(provider string, err error) *Error {
	return &Error{Kind: KindNetwork, Provider: provider, Message: err.Error(), Err: err}
}

// NewStreamError creates a retryable stream error.
func NewStreamError(provider, code, message string) *Error {
	return &Error{Kind: KindStream, Provider: provider, Code: code, Message: message}
}

// NewCancelledError creates the non-retryable cancellation error surfaced
// at unary layers. Stream layers surface the same condition as a terminal
// error chunk with code "aborted".
func NewCancelledError(err error) *Error {
	return &Error{Kind: KindCancelled, Code: CodeAborted, Message: "request cancelled", Err: err}
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(provider string, err error) *Error {
	return &Error{Kind: KindTimeout, Provider: provider, Message: "request timed out", Err: err}
}

// CodeAborted is the error code carried by terminal error chunks emitted
// on cancellation.
const CodeAborted = "aborted"

// FromContextErr converts a context error into the engine taxonomy.
func FromContextErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("", err)
	}
	return NewCancelledError(err)
}

// ClassifyHTTP builds an Error from a non-2xx provider response using the
// shared classification table.
func ClassifyHTTP(provider string, status int, code, message string, retryAfter time.Duration) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		Kind:       KindForStatus(status),
		Provider:   provider,
		Status:     status,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// ParseRetryAfter parses a retry-after header value, which is either a
// number of seconds or an HTTP-date. Returns zero when absent or invalid.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
