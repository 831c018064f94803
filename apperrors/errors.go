package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Type is the category of an error as seen by callers.
type Type string

const (
	TypeUnauthorized Type = "UNAUTHORIZED"
	TypeForbidden    Type = "FORBIDDEN"
	TypeNotFound     Type = "NOT_FOUND"
	TypeValidation   Type = "VALIDATION"
	TypeConflict     Type = "CONFLICT"
	TypeUpstream     Type = "UPSTREAM"
	TypePersistence  Type = "PERSISTENCE"
	TypeTimeout      Type = "TIMEOUT"
	TypeInternal     Type = "INTERNAL"
)

// Layer is the application layer where the error was raised.
type Layer string

const (
	LayerStore    Layer = "store"
	LayerProvider Layer = "provider"
	LayerWorkflow Layer = "workflow"
	LayerHandler  Layer = "handler"
	LayerAuth     Layer = "auth"
)

// Error is a typed error carrying the layer it originated from.
type Error struct {
	Type    Type
	Layer   Layer
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s][%s] %s: %v", e.Layer, e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s][%s] %s", e.Layer, e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given type.
func New(layer Layer, errorType Type, message string, err error) *Error {
	return &Error{
		Type:    errorType,
		Layer:   layer,
		Message: message,
		Err:     err,
	}
}

// Wrap adds layer context to err. A typed inner error keeps its type,
// context deadlines become TIMEOUT and anything else INTERNAL.
func Wrap(layer Layer, err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return New(layer, appErr.Type, message+": "+appErr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(layer, TypeTimeout, message, err)
	}
	return New(layer, TypeInternal, message, err)
}

// TypeOf returns the type of the outermost typed error in err's chain.
func TypeOf(err error) Type {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	return TypeInternal
}

// Is reports whether err is typed as t.
func Is(err error, t Type) bool {
	return err != nil && TypeOf(err) == t
}

// MessageOf returns the user facing message of err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps error types to HTTP status codes.
func HTTPStatus(t Type) int {
	switch t {
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeValidation:
		return http.StatusBadRequest
	case TypeConflict:
		return http.StatusConflict
	case TypeUpstream:
		return http.StatusBadGateway
	case TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
