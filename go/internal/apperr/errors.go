package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a rejection so transports can report it consistently.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindExhausted     Kind = "exhausted"
	KindCollaborator  Kind = "collaborator"
)

// Error is a rejection with a user-facing reason. Err carries the cause, if any.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and reason so callers can compare against
// values such as ErrNothingToConfirm with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == e.Reason
}

func Validation(reason string) *Error    { return &Error{Kind: KindValidation, Reason: reason} }
func Authorization(reason string) *Error { return &Error{Kind: KindAuthorization, Reason: reason} }
func Conflict(reason string) *Error      { return &Error{Kind: KindConflict, Reason: reason} }
func NotFound(reason string) *Error      { return &Error{Kind: KindNotFound, Reason: reason} }
func Exhausted(reason string) *Error     { return &Error{Kind: KindExhausted, Reason: reason} }

// Collaborator wraps a failure of an external dependency such as the database.
func Collaborator(reason string, err error) *Error {
	return &Error{Kind: KindCollaborator, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the user-facing reason for err. Errors outside the taxonomy
// are reported as "internal error" so their details never reach clients.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}

// HTTPStatus maps err to the status code used by the REST endpoints.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExhausted:
		return http.StatusServiceUnavailable
	case KindCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
