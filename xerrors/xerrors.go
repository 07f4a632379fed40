// Package xerrors defines the error taxonomy shared across gorent's
// components (spec §7): every component-boundary error carries one of
// these kinds so callers can branch on failure class instead of
// string-matching messages.
package xerrors

import (
	"fmt"
)

// Kind classifies a failure the way the core's components report it.
type Kind uint8

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// Malformed marks a bencode grammar violation, truncated message,
	// or invalid handshake length.
	Malformed
	// ProtocolViolation marks a peer or DHT message that is well-formed
	// but breaks the wire contract (bitfield after have, bad piece index).
	ProtocolViolation
	// TrackerRejected marks a tracker failure response (HTTP "failure
	// reason" or UDP action=3).
	TrackerRejected
	// HashMismatch marks a piece whose assembled bytes failed SHA-1
	// verification against the metainfo digest.
	HashMismatch
	// Timeout marks an announce, DHT query, peer dial, or block request
	// that exceeded its deadline.
	Timeout
	// IO marks a socket, file, or DNS failure.
	IO
	// Configuration marks a caller-supplied input error: bad URL,
	// non-torrent input, path escape attempt.
	Configuration
	// PeerUnreachable marks a failed dial or connection drop to a peer.
	PeerUnreachable
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case ProtocolViolation:
		return "protocol_violation"
	case TrackerRejected:
		return "tracker_rejected"
	case HashMismatch:
		return "hash_mismatch"
	case Timeout:
		return "timeout"
	case IO:
		return "io"
	case Configuration:
		return "configuration"
	case PeerUnreachable:
		return "peer_unreachable"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Wrap with github.com/pkg/errors at
// call sites for stack traces; the Kind survives unwrapping via
// errors.As.
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

// New builds a kind-tagged error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap tags an existing error with a kind, preserving it for Unwrap.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Wrapf is Wrap with a formatted reason.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if x, ok := err.(*Error); ok {
			e = x
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
