// Package errs defines the error taxonomy shared by the ingestion components.
//
// Components convert low-level I/O, SQL and HTTP failures into an *Error with
// one of the Kinds below at their boundary, so callers (HTTP handlers, the
// CLI, the scanner loop) can branch on Kind without inspecting strings.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handling and reporting.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input, unsafe identity, missing images.
	KindValidation
	// KindDuplicate: the identity is already claimed or registered.
	KindDuplicate
	// KindTransientRemote: timeout, 5xx, connection failure. Retryable.
	KindTransientRemote
	// KindAuthFailure: invalid state, rejected code or refresh, missing token.
	KindAuthFailure
	// KindConfiguration: required setting missing. Fatal at startup.
	KindConfiguration
	// KindNotFound: unknown client, project or token.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindTransientRemote:
		return "transient_remote"
	case KindAuthFailure:
		return "auth_failure"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind onto the status code returned by the HTTP surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindTransientRemote:
		return http.StatusBadGateway
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

func Duplicate(op, format string, args ...any) error {
	return newf(KindDuplicate, op, format, args...)
}

func Transient(op, format string, args ...any) error {
	return newf(KindTransientRemote, op, format, args...)
}

func Auth(op, format string, args ...any) error {
	return newf(KindAuthFailure, op, format, args...)
}

func Configuration(op, format string, args ...any) error {
	return newf(KindConfiguration, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ItemError records the failure of a single item inside a batch operation.
type ItemError struct {
	Item    string `json:"item"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Item builds an ItemError from err.
func Item(item string, err error) ItemError {
	return ItemError{Item: item, Kind: KindOf(err).String(), Message: err.Error()}
}
