// Package errors provides structured error handling with context propagation
// for the EventSub session and token lifecycle.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error, which decides who handles it:
// transport errors are recovered internally by redialling, protocol and
// partial errors are surfaced to the caller, authorization errors end the
// authenticated session.
type ErrorType string

const (
	// TypeTransport indicates a recoverable connection-level failure (dial
	// failure, abrupt close, protocol-level reset).
	TypeTransport ErrorType = "transport"
	// TypeProtocol indicates a violation of the EventSub protocol contract
	// (revocation, malformed frame, subscribing with no session).
	TypeProtocol ErrorType = "protocol"
	// TypeAuthorization indicates the credential is no longer usable and the
	// user must re-authenticate.
	TypeAuthorization ErrorType = "authorization"
	// TypePartial indicates a multi-step operation where only a subset of
	// steps succeeded; recorded state reflects exactly what succeeded.
	TypePartial ErrorType = "partial"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// TransportError creates a new transport error.
func TransportError(message string, cause error) *Error {
	return &Error{
		Type:    TypeTransport,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ProtocolError creates a new protocol error.
func ProtocolError(message string, cause error) *Error {
	return &Error{
		Type:    TypeProtocol,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// AuthorizationError creates a new authorization error.
func AuthorizationError(message string, cause error) *Error {
	return &Error{
		Type:    TypeAuthorization,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// PartialError creates a new partial-operation error. Callers attach the
// request parameters of the failed steps via WithContext so the operation
// can be retried.
func PartialError(message string, cause error) *Error {
	return &Error{
		Type:    TypePartial,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsType reports whether err is a structured error of the given type.
func IsType(err error, t ErrorType) bool {
	var structured *Error
	if !errors.As(err, &structured) {
		return false
	}
	return structured.Type == t
}

// IsAuthorization reports whether err means the credential is dead and the
// device-code flow must be run again.
func IsAuthorization(err error) bool {
	return IsType(err, TypeAuthorization)
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as a protocol error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	return ProtocolError("unexpected error", err)
}
