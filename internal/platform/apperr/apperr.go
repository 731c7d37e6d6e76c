// Package apperr classifies domain errors into the outcomes the HTTP layer
// reports: validation (400), forbidden (403), not found (404), conflict
// (400, "already exists") and internal (500).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// FieldError names a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is an error carrying a Kind and a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error for a single field.
func Validation(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Fields:  []FieldError{{Field: field, Message: message}},
	}
}

// Validationf formats a validation error without a field.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns an authorization error.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound returns a not-found error for the named resource.
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

// Conflict returns an integrity error. The message always ends with
// "already exists".
func Conflict(what string) *Error {
	return &Error{Kind: KindConflict, Message: what + " already exists"}
}

// Internal wraps an infrastructure error. Its message is never shown to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// Wrap attaches kind and message to err, keeping it in the chain for errors.Is.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the Kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is an application error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
