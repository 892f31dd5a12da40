package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies validation failures for callers that map them onto a
// transport (HTTP status, RPC code).
type ErrorCode string

const (
	CodeInvalidIdentifier ErrorCode = "INVALID_IDENTIFIER"
	CodeOutOfRange        ErrorCode = "OUT_OF_RANGE"
	CodeMissingField      ErrorCode = "MISSING_FIELD"
	CodeInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned by mutations whose target does not exist or
	// belongs to another tenant. The two cases are deliberately not
	// distinguished.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a row exists for the tenant but
	// its current state does not allow the requested move.
	ErrIllegalTransition = errors.New("illegal state transition")
)

type ValidationError struct {
	Code    ErrorCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(code ErrorCode, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// IsValidation reports whether err carries the given validation code.
func IsValidation(err error, code ErrorCode) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
