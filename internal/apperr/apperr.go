// Package apperr defines the error kinds the service surfaces to callers.
package apperr

import (
	"net/http"

	"github.com/go-faster/errors"
)

type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	NotFound
	Conflict
	Forbidden
	Timeout
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error carries a kind and a message that is safe to show to the client.
// Err holds the cause, which is never rendered.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// PublicMessage returns the client-facing message of err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}

func HTTPStatus(k Kind) int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
