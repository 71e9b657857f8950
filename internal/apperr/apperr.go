package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"nkowa/api/internal/store"
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeForbidden  = "FORBIDDEN"
	CodeDependency = "DEPENDENCY_FAILURE"
)

// Error is a failure the caller can act on. Status is the HTTP status the
// api layer responds with; Details is serialised as-is.
type Error struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(status int, code, message string, details any) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Validation(message string, details any) *Error {
	return newError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func NotFound(message string) *Error {
	return newError(http.StatusNotFound, CodeNotFound, message, nil)
}

func Conflict(message string, details any) *Error {
	return newError(http.StatusConflict, CodeConflict, message, details)
}

func Permission(message string) *Error {
	return newError(http.StatusForbidden, CodeForbidden, message, nil)
}

// Dependency wraps a failure of the store, blob storage or another backing
// service.
func Dependency(message string, err error) *Error {
	out := newError(http.StatusBadGateway, CodeDependency, message, nil)
	out.Err = err
	return out
}

// As returns the *Error in err's chain, translating store sentinels.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFound("document not found"), true
	case errors.Is(err, store.ErrVersionConflict):
		return Conflict("document was modified concurrently", nil), true
	case errors.Is(err, store.ErrAlreadyExists):
		return Conflict("document already exists", nil), true
	}
	return nil, false
}

func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool   { return HasCode(err, CodeNotFound) }
func IsConflict(err error) bool   { return HasCode(err, CodeConflict) }
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }
