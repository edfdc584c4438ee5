// Package apperr classifies pipeline failures so callers can tell an empty
// result from a failed generation or a transient outage.
package apperr

import (
	"errors"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// Transport covers unreachable sources or generation providers and timeouts.
	Transport Kind = "transport"
	// MalformedPayload covers a feed entry or generation response that cannot be parsed.
	MalformedPayload Kind = "malformed_payload"
	// MalformedOuterPayload means a persisted digest body is not even a JSON object.
	MalformedOuterPayload Kind = "malformed_outer_payload"
	// Persistence covers failed transactional writes.
	Persistence Kind = "persistence"
	// NotFound is used by commands addressing a row that does not exist.
	NotFound Kind = "not_found"
	// Conflict is used when a write is refused because of existing state.
	Conflict Kind = "conflict"
	// Unknown is reported by KindOf for errors that carry no Kind.
	Unknown Kind = "unknown"
)

// Error wraps an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of the first Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
