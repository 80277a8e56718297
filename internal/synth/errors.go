package synth

import (
	"errors"
	"net/http"
)

// Kind classifies a synthesis failure for the caller.
type Kind int

const (
	// KindInternal covers every failure inside the pipeline.
	KindInternal Kind = iota

	// KindInvalidArgument is a request the service refuses to process.
	KindInvalidArgument

	// KindUnavailable means the models are not loaded.
	KindUnavailable
)

// Caller-facing details.
const (
	DetailEmptyText   = "Text cannot be empty"
	DetailUnavailable = "Speech synthesis unavailable: models are not loaded"
	DetailFailed      = "Speech synthesis failed"
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus is the HTTP status code used for this kind on every
// transport that reports one.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by Service.Synthesize. Detail is safe to show to the
// caller.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalidArgument(detail string) *Error {
	return &Error{Kind: KindInvalidArgument, Detail: detail}
}

func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Detail: DetailUnavailable, Err: err}
}

func internal(err error) *Error {
	return &Error{Kind: KindInternal, Detail: DetailFailed + ": " + err.Error(), Err: err}
}

// KindOf reports the Kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// DetailOf returns the caller-facing message for err.
func DetailOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Detail
	}
	return DetailFailed + ": " + err.Error()
}
