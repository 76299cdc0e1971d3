// Package symerr defines the internal error taxonomy shared across the
// symbolication pipeline. Components return these so the HTTP boundary and
// the symbolicator can distinguish "not fatal to the request" from
// "surface this to the client" without string matching.
package symerr

import "errors"

// Kind classifies an error for metrics tagging and HTTP status mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
	KindParse      Kind = "parse"
	KindCacheIO    Kind = "cache_io"
	KindInternal   Kind = "internal"
)

// Error wraps an underlying cause with a Kind and a short machine-readable
// Reason, the tag value used for the symbolicate.request_error and
// parse_sym_file.error metrics.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func Validation(reason string, cause error) *Error { return New(KindValidation, reason, cause) }
func NotFound(reason string, cause error) *Error    { return New(KindNotFound, reason, cause) }
func Transient(reason string, cause error) *Error   { return New(KindTransient, reason, cause) }
func Parse(reason string, cause error) *Error       { return New(KindParse, reason, cause) }
func CacheIO(reason string, cause error) *Error     { return New(KindCacheIO, reason, cause) }
func Internal(reason string, cause error) *Error    { return New(KindInternal, reason, cause) }

// Is supports errors.Is(err, symerr.ErrNotFound) style checks against Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindInternal for anything unrecognized.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the Reason tag, defaulting to "internal_error".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal_error"
}
