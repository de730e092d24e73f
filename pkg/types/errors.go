package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every fallible protocol operation. The numeric
// values are part of the wire contract: ERROR envelopes carry them in
// payload_refs.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeInvalidEnvelope
	CodeInvalidFrame
	CodeAuthenticationFailed
	CodeDecryptionFailed
	CodeCompressionFailed
	CodeSerializationFailed
	CodeNetworkError
	CodeTimeout
	CodeBufferOverflow
)

// String returns the canonical name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeInvalidEnvelope:
		return "INVALID_ENVELOPE"
	case CodeInvalidFrame:
		return "INVALID_FRAME"
	case CodeAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case CodeDecryptionFailed:
		return "DECRYPTION_FAILED"
	case CodeCompressionFailed:
		return "COMPRESSION_FAILED"
	case CodeSerializationFailed:
		return "SERIALIZATION_FAILED"
	case CodeNetworkError:
		return "NETWORK_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeBufferOverflow:
		return "BUFFER_OVERFLOW"
	}
	return fmt.Sprintf("ERROR_CODE(%d)", int(c))
}

// Error is a protocol error: a taxonomy code plus a human-readable
// message, optionally wrapping an underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a protocol error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a protocol error with a formatted message. Use %w in
// format to wrap a cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// CodeOf extracts the protocol error code from err, walking the wrap
// chain. Non-protocol errors report CodeNetworkError when non-nil and
// CodeSuccess when nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeNetworkError
}
