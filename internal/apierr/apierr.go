// Package apierr defines the error taxonomy shared by the trust layer, the
// allocator and the HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error class.
type Kind int

const (
	Internal Kind = iota
	Forbidden
	ReplayDetected
	Conflict
	NotFound
	BadRequest
	ResourceExhausted
	Unavailable
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case Forbidden:
		return "FORBIDDEN"
	case ReplayDetected:
		return "REPLAY_DETECTED"
	case Conflict:
		return "CONFLICT"
	case NotFound:
		return "NOT_FOUND"
	case BadRequest:
		return "BAD_REQUEST"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps the kind to the status code written on the wire.
func (k Kind) HTTPStatus() int {
	switch k {
	case Forbidden, ReplayDetected:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case ResourceExhausted, Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus is the inverse of HTTPStatus, used by clients decoding
// error responses. ReplayDetected and Forbidden share a status, so the
// code carried in the body wins when present.
func KindFromStatus(status int, code string) Kind {
	for k := Internal; k <= Unavailable; k++ {
		if code != "" && k.String() == code {
			return k
		}
	}
	switch status {
	case http.StatusForbidden, http.StatusUnauthorized:
		return Forbidden
	case http.StatusConflict:
		return Conflict
	case http.StatusNotFound:
		return NotFound
	case http.StatusBadRequest:
		return BadRequest
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Unavailable
	default:
		return Internal
	}
}

// Error is a classified error with a short human message. MoreInfo carries
// optional non-sensitive context, such as the identity that attempted a
// disallowed action.
type Error struct {
	Kind     Kind
	Message  string
	MoreInfo string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithMoreInfo returns a copy of e carrying additional context.
func (e *Error) WithMoreInfo(info string) *Error {
	out := *e
	out.MoreInfo = info
	return &out
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// As returns the first *Error in err's chain. Errors that are not classified
// are wrapped as Internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, "internal error", err)
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrForbidden         = New(Forbidden, "forbidden")
	ErrReplayDetected    = New(ReplayDetected, "replay detected")
	ErrConflict          = New(Conflict, "conflict")
	ErrNotFound          = New(NotFound, "not found")
	ErrBadRequest        = New(BadRequest, "bad request")
	ErrResourceExhausted = New(ResourceExhausted, "resource exhausted")
	ErrUnavailable       = New(Unavailable, "unavailable")
)
