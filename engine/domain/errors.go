package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrapper types below unwrap to one of these so callers can
// classify a failure with errors.Is regardless of the underlying cause.
var (
	ErrProvider            = errors.New("provider error")
	ErrIndex               = errors.New("index error")
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
	ErrCacheWrite          = errors.New("cache write failed")
	ErrScriptHandleExpired = errors.New("cache script handle expired")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrOutOfRange          = errors.New("value out of range")
	ErrEmptyQuestion       = errors.New("question is empty")
)

// ProviderError reports a failed call to the embedding or generation provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// NewProviderError creates a ProviderError.
func NewProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IndexError reports a vector index failure: unreachable service, missing or
// misconfigured collection, dimension mismatch.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index: %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() []error { return []error{ErrIndex, e.Err} }

// NewIndexError creates an IndexError.
func NewIndexError(op string, err error) *IndexError {
	return &IndexError{Op: op, Err: err}
}

// CacheWriteError reports that an answer could not be written to the cache.
// It never reaches the caller of a query; the orchestrator logs and drops it.
type CacheWriteError struct {
	Key string
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() []error { return []error{ErrCacheWrite, e.Err} }

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrInvalidRequest, e.Wrapped} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is a rejected request rather than a
// failed dependency.
func IsValidation(err error) bool { return errors.Is(err, ErrInvalidRequest) }
