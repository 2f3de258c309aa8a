package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping decisions
type Kind int

const (
	// KindUnknown - unclassified failure, surfaced as an internal error
	KindUnknown Kind = iota

	// KindAuthentication - missing/invalid identity; fails the request before
	// any store access
	KindAuthentication

	// KindAuthorization - resolved identity does not own the referenced
	// resource; never retried
	KindAuthorization

	// KindValidation - malformed input (empty title, bad arguments)
	KindValidation

	// KindNotFound - target does not exist for this owner
	KindNotFound

	// KindAmbiguousReference - disambiguation found zero or multiple candidates
	KindAmbiguousReference

	// KindToolExecution - store-level failure during a cleared invocation;
	// never retried automatically
	KindToolExecution

	// KindModelInvocation - the assistant invoker failed or timed out; may be
	// retried once with backoff
	KindModelInvocation
)

// String returns a stable identifier used in logs and metrics labels
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAmbiguousReference:
		return "ambiguous_reference"
	case KindToolExecution:
		return "tool_execution"
	case KindModelInvocation:
		return "model_invocation"
	default:
		return "unknown"
	}
}

// Error is the taxonomy error carried across component boundaries.
// Candidates is populated only for ambiguous references with multiple matches.
type Error struct {
	Kind       Kind
	Message    string
	Candidates []Candidate
	Cause      error
}

// Candidate is one possible target of an ambiguous reference
type Candidate struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a taxonomy error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying error
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Authentication builds a KindAuthentication error
func Authentication(message string) *Error { return New(KindAuthentication, message) }

// Authorization builds a KindAuthorization error
func Authorization(message string) *Error { return New(KindAuthorization, message) }

// Validation builds a KindValidation error
func Validation(message string) *Error { return New(KindValidation, message) }

// NotFound builds a KindNotFound error
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Ambiguous builds a KindAmbiguousReference error carrying the candidate list
func Ambiguous(message string, candidates []Candidate) *Error {
	return &Error{Kind: KindAmbiguousReference, Message: message, Candidates: candidates}
}

// MessageOf returns the taxonomy message from err without the kind prefix,
// falling back to err.Error() for foreign errors
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// KindOf extracts the taxonomy kind from err, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a taxonomy kind to the status the HTTP boundary returns
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindAmbiguousReference:
		return http.StatusConflict
	case KindModelInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
