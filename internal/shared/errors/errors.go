// Package errors implements the three-way error taxonomy from spec.md §7:
// Transient (retry next cycle), Policy (a VM violates a deletion rule),
// and Fatal (abort the process). Packages return a *Error where the kind
// matters, so a caller can read it with KindOf instead of string-matching
// messages; errors without one count as Fatal.
package errors

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	// Transient errors are retried next cycle; the caller must not mutate
	// persistent state further this cycle.
	Transient Kind = "transient"
	// Policy errors mean a machine violated a deletion rule (spec.md §4.5);
	// the caller should proceed to delete the machine.
	Policy Kind = "policy"
	// Fatal errors abort the process: bad config, unsupported API, or an
	// unrecoverable state-store write failure.
	Fatal Kind = "fatal"
)

// Error carries a Kind alongside the usual message/cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewTransient wraps cause as a Transient error.
func NewTransient(message string, cause error) *Error {
	return &Error{Kind: Transient, Message: message, Cause: cause}
}

// NewPolicy builds a Policy error carrying the deletion reason.
func NewPolicy(message string) *Error {
	return &Error{Kind: Policy, Message: message}
}

// NewFatal wraps cause as a Fatal error.
func NewFatal(message string, cause error) *Error {
	return &Error{Kind: Fatal, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Fatal for errors that
// did not originate in this package — an un-annotated error from, say, a
// missing import is treated conservatively as unrecoverable.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Fatal
}

// as is a tiny local errors.As to avoid importing the stdlib package under
// the name this package shadows.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
