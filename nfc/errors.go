package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of NFC error for programmatic handling.
type ErrorCode int

const (
	// Call-shape errors (100-199), raised before any native dispatch
	ErrCodeNotSupported ErrorCode = iota + 100
	ErrCodeInvalidOperation
	ErrCodeInvalidArguments
	ErrCodeInvalidArgument
	ErrCodeUnknownEvent
)

const (
	// Result and lifecycle errors (200-299)
	ErrCodeUnexpectedResult ErrorCode = iota + 200
	ErrCodeNative
	ErrCodeClosed
)

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "mifareClassicAuthenticateA")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrNotSupported     = &NFCError{Code: ErrCodeNotSupported, Message: "not implemented"}
	ErrInvalidOperation = &NFCError{Code: ErrCodeInvalidOperation, Message: "no such native method"}
	ErrInvalidArguments = &NFCError{Code: ErrCodeInvalidArguments, Message: "params must be plain values"}
	ErrInvalidArgument  = &NFCError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrUnknownEvent     = &NFCError{Code: ErrCodeUnknownEvent, Message: "no such event"}
	ErrUnexpectedResult = &NFCError{Code: ErrCodeUnexpectedResult, Message: "unexpected native result"}
	ErrClosed           = &NFCError{Code: ErrCodeClosed, Message: "manager closed"}
)

// NewNotSupportedError creates an error for operations the platform does not provide.
func NewNotSupportedError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeNotSupported,
		Op:      op,
		Message: "not implemented",
	}
}

// NewInvalidOperationError creates an error for a native method that does not exist.
func NewInvalidOperationError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidOperation,
		Op:      op,
		Message: fmt.Sprintf("no such native method: %q", op),
	}
}

// NewInvalidArgumentsError creates an error for a malformed argument list.
func NewInvalidArgumentsError(op string, index int, reason string) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidArguments,
		Op:      op,
		Message: fmt.Sprintf("param %d: %s", index, reason),
	}
}

// NewInvalidArgumentError creates an error for a facade argument of the wrong shape.
func NewInvalidArgumentError(op, format string, args ...any) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidArgument,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewUnknownEventError creates an error for an unrecognised event kind.
func NewUnknownEventError(event Event) *NFCError {
	return &NFCError{
		Code:    ErrCodeUnknownEvent,
		Op:      "setEventListener",
		Message: fmt.Sprintf("no such event: %q", string(event)),
	}
}

// NewUnexpectedResultError creates an error for a native result that cannot be decoded.
func NewUnexpectedResultError(op string, want string, got any, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeUnexpectedResult,
		Op:      op,
		Message: fmt.Sprintf("cannot decode %T as %s", got, want),
		Cause:   cause,
	}
}

// IsNotSupportedError checks if an error indicates an unsupported operation.
func IsNotSupportedError(err error) bool {
	return hasCode(err, ErrCodeNotSupported)
}

// IsInvalidOperationError checks if an error names a missing native method.
func IsInvalidOperationError(err error) bool {
	return hasCode(err, ErrCodeInvalidOperation)
}

// IsInvalidArgumentsError checks if an error indicates a malformed argument list.
func IsInvalidArgumentsError(err error) bool {
	return hasCode(err, ErrCodeInvalidArguments)
}

// IsInvalidArgumentError checks if an error indicates a facade argument of the wrong shape.
func IsInvalidArgumentError(err error) bool {
	return hasCode(err, ErrCodeInvalidArgument)
}

// IsUnknownEventError checks if an error indicates an unrecognised event kind.
func IsUnknownEventError(err error) bool {
	return hasCode(err, ErrCodeUnknownEvent)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code == code
	}
	return false
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// WrapError wraps an existing error with NFC context.
func WrapError(code ErrorCode, op, message string, cause error) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}
