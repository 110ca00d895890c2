// Package apperr defines the error taxonomy shared by every fleetd component.
//
// Errors carry a Kind that decides how callers react:
//   - Validation: rejected before any I/O, never retried
//   - Conflict: another owner holds the resource, surfaced as-is
//   - NotFound: the resource does not exist
//   - Unavailable: a backend (CLI, REST, database) failed
//   - Authentication: a request failed signature or credential checks
//
// Every *Error matches its kind sentinel with errors.Is, so callers can write
//
//	if errors.Is(err, apperr.ErrConflict) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnavailable
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindAuthentication:
		return "authentication"
	default:
		return "internal"
	}
}

// Kind sentinels.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrUnavailable    = errors.New("backend unavailable")
	ErrAuthentication = errors.New("authentication failed")
)

var sentinels = map[Kind]error{
	KindValidation:     ErrValidation,
	KindConflict:       ErrConflict,
	KindNotFound:       ErrNotFound,
	KindUnavailable:    ErrUnavailable,
	KindAuthentication: ErrAuthentication,
}

// Error is a classified error with operation and resource context.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Resource != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.Resource
	}
	if e.Err != nil {
		if msg != "" {
			return msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String()
	}
	return msg + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

func newError(kind Kind, op, resource string, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// Validation reports malformed input.
func Validation(op, resource, format string, args ...any) error {
	return newError(KindValidation, op, resource, fmt.Errorf(format, args...))
}

// Conflict reports that a resource is held by someone else. err is usually a
// package sentinel such as lease.ErrAlreadyLeased.
func Conflict(op, resource string, err error) error {
	return newError(KindConflict, op, resource, err)
}

// NotFound reports a missing resource.
func NotFound(op, resource string) error {
	return newError(KindNotFound, op, resource, nil)
}

// Unavailable wraps a backend failure.
func Unavailable(op, resource string, err error) error {
	return newError(KindUnavailable, op, resource, err)
}

// Authentication reports a failed signature or credential check.
func Authentication(op string, err error) error {
	return newError(KindAuthentication, op, "", err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
