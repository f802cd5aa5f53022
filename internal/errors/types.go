package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeState       ErrorType = "state"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeInternal    ErrorType = "internal"
)

// PrefsError is a structured error type with context.
type PrefsError struct {
	Type      ErrorType
	Code      string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Component string
	Path      string
}

// Error implements the error interface.
func (e *PrefsError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PrefsError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison. A target without a code matches any
// error of the same type, so errors.Is(err, ErrUnsupported) holds for
// every unsupported-operation error regardless of its code.
func (e *PrefsError) Is(target error) bool {
	var t *PrefsError
	if errors.As(target, &t) {
		if t.Code == "" {
			return e.Type == t.Type
		}
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PrefsError) WithContext(key string, value interface{}) *PrefsError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath records the preferences path or file the error refers to.
func (e *PrefsError) WithPath(path string) *PrefsError {
	e.Path = path

	return e
}

// WithComponent adds component context.
func (e *PrefsError) WithComponent(component string) *PrefsError {
	e.Component = component

	return e
}

// Sentinels usable with errors.Is.
var (
	ErrUnsupported = &PrefsError{Type: ErrorTypeUnsupported, Message: "unsupported operation"}
	ErrValidation  = &PrefsError{Type: ErrorTypeValidation, Message: "validation failed"}
	ErrState       = &PrefsError{Type: ErrorTypeState, Message: "illegal state"}
	ErrIO          = &PrefsError{Type: ErrorTypeIO, Message: "i/o failure"}
)

// Error creation functions

// NewUnsupportedError creates an unsupported-operation error.
func NewUnsupportedError(code, message string) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeUnsupported,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewStateError creates an illegal-state error.
func NewStateError(code, message string) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeState,
		Code:    code,
		Message: message,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PrefsError {
	return &PrefsError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsState reports whether err is an illegal-state error.
func IsState(err error) bool {
	return errors.Is(err, ErrState)
}

// IsIO reports whether err is an I/O error.
func IsIO(err error) bool {
	return errors.Is(err, ErrIO)
}

// Common error codes.
const (
	ErrCodeReadOnly       = "ERR_READ_ONLY"
	ErrCodeUnsupported    = "ERR_UNSUPPORTED"
	ErrCodeRootRemoval    = "ERR_ROOT_REMOVAL"
	ErrCodeNodeRemoved    = "ERR_NODE_REMOVED"
	ErrCodeNoDelegate     = "ERR_NO_DELEGATE"
	ErrCodeKeyTooLong     = "ERR_KEY_TOO_LONG"
	ErrCodeValueTooLong   = "ERR_VALUE_TOO_LONG"
	ErrCodeNameTooLong    = "ERR_NAME_TOO_LONG"
	ErrCodeInvalidPath    = "ERR_INVALID_PATH"
	ErrCodeInvalidNumber  = "ERR_INVALID_NUMBER"
	ErrCodeLoadFailed     = "ERR_LOAD_FAILED"
	ErrCodeSaveFailed     = "ERR_SAVE_FAILED"
	ErrCodeRemoveFailed   = "ERR_REMOVE_FAILED"
	ErrCodeListFailed     = "ERR_LIST_FAILED"
	ErrCodeConfigInvalid  = "ERR_CONFIG_INVALID"
	ErrCodeInternalError  = "ERR_INTERNAL"
	ErrCodeServiceMissing = "ERR_SERVICE_MISSING"
	ErrCodeKeyNotFound    = "ERR_KEY_NOT_FOUND"
	ErrCodeNodeNotFound   = "ERR_NODE_NOT_FOUND"
	ErrCodeListenFailed   = "ERR_LISTEN_FAILED"
)

// Helper functions for common errors

// ErrReadOnly creates the error returned by mutating calls on read-only storage.
func ErrReadOnly(op, path string) *PrefsError {
	return NewUnsupportedError(ErrCodeReadOnly, op+" is not supported on read-only storage").
		WithPath(path)
}

// ErrUnsupportedOp creates a generic unsupported-operation error.
func ErrUnsupportedOp(op string) *PrefsError {
	return NewUnsupportedError(ErrCodeUnsupported, op+" is not supported")
}

// ErrNodeRemoved creates the error returned when a removed node is traversed.
func ErrNodeRemoved(path string) *PrefsError {
	return NewStateError(ErrCodeNodeRemoved, "node has been removed").WithPath(path)
}

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *PrefsError {
	return NewValidationError(ErrCodeInvalidPath, "invalid node path: "+path)
}

// ErrSaveFailed wraps a failed write of a node's properties.
func ErrSaveFailed(path string, cause error) *PrefsError {
	return NewIOError(ErrCodeSaveFailed, "failed to save preferences", cause).WithPath(path)
}

// ErrLoadFailed wraps a failed read of a node's properties.
func ErrLoadFailed(path string, cause error) *PrefsError {
	return NewIOError(ErrCodeLoadFailed, "failed to load preferences", cause).WithPath(path)
}
