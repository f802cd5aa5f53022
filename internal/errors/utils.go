package errors

import (
	"errors"
)

// wrap wraps an error with additional context, keeping the component, path
// and context of a wrapped PrefsError.
func wrap(err error, errType ErrorType, code, message string) *PrefsError {
	if err == nil {
		return nil
	}

	var pe *PrefsError
	if errors.As(err, &pe) {
		return &PrefsError{
			Type:      errType,
			Code:      code,
			Message:   message,
			Cause:     pe,
			Context:   pe.Context,
			Component: pe.Component,
			Path:      pe.Path,
		}
	}

	return &PrefsError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *PrefsError {
	return wrap(err, ErrorTypeIO, code, message)
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *PrefsError {
	return wrap(err, ErrorTypeConfig, code, message)
}

// Join combines non-nil errors, returning nil when there are none.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// GetErrorCode extracts the code from a PrefsError chain.
func GetErrorCode(err error) string {
	var pe *PrefsError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
