package hterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the engine's fixed taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// Input errors
	KindUnknownAction
	KindUnknownZone
	KindUnknownPlacement
	KindInvalidMutation
	KindZoneLocked
	KindRejected
	KindRoomFull
	KindInvalidPassword

	// Consistency errors
	KindExhausted
	KindTokenAlreadyPlaced
	KindVersionDrift
	KindCorruptChange

	// Concurrency errors
	KindPolicyLoop
	KindWorkerTimeout

	// Transport errors
	KindPeerUnreachable
	KindRateLimit
	KindHeartbeatLost

	// Fatal
	KindInternalInvariantBroken
)

func (k Kind) String() string {
	switch k {
	case KindUnknownAction:
		return "unknown_action"
	case KindUnknownZone:
		return "unknown_zone"
	case KindUnknownPlacement:
		return "unknown_placement"
	case KindInvalidMutation:
		return "invalid_mutation"
	case KindZoneLocked:
		return "zone_locked"
	case KindRejected:
		return "rejected"
	case KindRoomFull:
		return "room_full"
	case KindInvalidPassword:
		return "invalid_password"
	case KindExhausted:
		return "exhausted"
	case KindTokenAlreadyPlaced:
		return "token_already_placed"
	case KindVersionDrift:
		return "version_drift"
	case KindCorruptChange:
		return "corrupt_change"
	case KindPolicyLoop:
		return "policy_loop"
	case KindWorkerTimeout:
		return "worker_timeout"
	case KindPeerUnreachable:
		return "peer_unreachable"
	case KindRateLimit:
		return "rate_limit"
	case KindHeartbeatLost:
		return "heartbeat_lost"
	case KindInternalInvariantBroken:
		return "internal_invariant_broken"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind require halting writes.
func (k Kind) Fatal() bool { return k == KindInternalInvariantBroken }

// Error is a classified error. Wrapped causes are reachable via errors.Is.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can compare against
// sentinels like hterr.New(hterr.KindExhausted, "").
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
