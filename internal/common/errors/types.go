package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies cache and event bus failures
type ErrorType string

const (
	// ErrTypeNotFound represents a key that is absent or expired; callers
	// treat this as a normal cache miss
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeConnection represents an unreachable store or a store that is
	// currently marked unhealthy
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeTimeout represents an operation that exceeded its deadline
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeInvalidKey represents a key that failed validation (a caller bug)
	ErrTypeInvalidKey ErrorType = "invalid_key"
	// ErrTypeSerialization represents a payload that could not be
	// (de)serialized or (de)compressed
	ErrTypeSerialization ErrorType = "serialization"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NotFoundError creates a new not found error for a cache key
func NotFoundError(key string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("key %q not found", key),
	}
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
		Cause:   cause,
	}
}

// InvalidKeyError creates a new key validation error
func InvalidKeyError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeInvalidKey,
		Message: msg,
	}
}

// SerializationError creates a new serialization error
func SerializationError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeSerialization,
		Message: msg,
		Cause:   cause,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type, unwrapping as needed
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsNotFound reports whether err is a cache miss
func IsNotFound(err error) bool {
	return IsType(err, ErrTypeNotFound)
}

// IsConnection reports whether err is a connection failure
func IsConnection(err error) bool {
	return IsType(err, ErrTypeConnection)
}

// IsTimeout reports whether err is a deadline failure
func IsTimeout(err error) bool {
	return IsType(err, ErrTypeTimeout)
}

// Transient reports whether err is an error the read-through path may
// swallow and fall through to the authoritative source: a miss, a
// connection failure, or a timeout. Validation and serialization errors
// are never transient.
func Transient(err error) bool {
	switch GetType(err) {
	case ErrTypeNotFound, ErrTypeConnection, ErrTypeTimeout:
		return true
	}
	return false
}
