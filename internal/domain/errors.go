package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches sentinel DomainErrors by code and message so wrapped copies
// still satisfy errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeProvider      = "PROVIDER_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Validation errors
var (
	ErrMissingURI            = NewDomainError(ErrCodeValidation, "uri is required")
	ErrMissingContent        = NewDomainError(ErrCodeValidation, "content is required")
	ErrMissingQuery          = NewDomainError(ErrCodeValidation, "query is required")
	ErrContentTooLarge       = NewDomainError(ErrCodeValidation, "content exceeds maximum size")
	ErrInvalidScoreThreshold = NewDomainError(ErrCodeValidation, "scoreThreshold must be between -1 and 1")
	ErrInvalidLimit          = NewDomainError(ErrCodeValidation, "limit must not be negative")
	ErrUnsupportedMatchType  = NewDomainError(ErrCodeValidation, "match type is not supported")
	ErrUnknownOperation      = NewDomainError(ErrCodeValidation, "unknown operation")
)

// Not found errors
var (
	ErrCollectionNotFound = NewDomainError(ErrCodeNotFound, "collection not found")
)

// Vector store errors
var (
	ErrDimensionMismatch = NewDomainError(ErrCodeInternalError, "vector dimension does not match collection")
)

// NewProviderError wraps a failure of the embedding provider or vector store.
func NewProviderError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeProvider, message, err)
}

// CodeOf returns the code of the first DomainError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternalError
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsProvider reports whether err is an embedding or vector store failure.
func IsProvider(err error) bool {
	return CodeOf(err) == ErrCodeProvider
}
