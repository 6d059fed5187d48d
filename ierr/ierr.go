// Package ierr implements the error taxonomy of the ship/offshore proxy:
// a fixed set of kinds (not types), each wrapping an underlying cause, so
// callers can branch with errors.Is/errors.As instead of the string
// sniffing the teacher package uses for its own "use of closed network
// connection" checks.
package ierr

import (
	"errors"
	"fmt"
)

// Kind names one of the categories from the error handling design.
type Kind string

const (
	// MalformedProxyRequest — ship listener could not parse a client request.
	MalformedProxyRequest Kind = "malformed_proxy_request"
	// LinkLost — link manager or codec lost the ship<->offshore connection.
	LinkLost Kind = "link_lost"
	// ProtocolViolation — a frame violated the wire protocol; link must reset.
	ProtocolViolation Kind = "protocol_violation"
	// UpstreamDialFailure — offshore dispatcher could not reach the origin.
	UpstreamDialFailure Kind = "upstream_dial_failure"
	// UpstreamIOFailure — offshore dispatcher lost the origin mid-request.
	UpstreamIOFailure Kind = "upstream_io_failure"
	// ClientGone — ship listener's client socket disappeared before completion.
	ClientGone Kind = "client_gone"
)

// Error wraps a Kind with an underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind, whatever its
// cause, so errors.Is(err, ierr.Sentinel(ierr.LinkLost)) matches any
// LinkLost error.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// Sentinel returns a bare *Error of the given kind, suitable as an
// errors.Is comparison target.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Of reports whether err (or any error it wraps) carries the given Kind.
func Of(err error, kind Kind) bool {
	return errors.Is(err, Sentinel(kind))
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
