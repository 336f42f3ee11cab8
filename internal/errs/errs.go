// Package errs defines the error taxonomy shared by every echolock
// component: a small set of kinds, never exceptions, always carrying
// enough context (switch id, fragment index, operation) for a caller to
// log or retry without re-deriving it.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy buckets.
type Kind string

const (
	// KindInput covers malformed arguments: k<3, n>255, empty recipients,
	// malformed addresses. Never retried.
	KindInput Kind = "InputError"
	// KindAuth covers AEAD tag mismatch, HMAC mismatch, integrity-hash
	// mismatch. Fatal for the affected unit; the unit is discarded.
	KindAuth Kind = "AuthFailure"
	// KindTransient covers network timeout, explorer 5xx, relay
	// disconnect. Retried with backoff; surfaced only after the retry
	// budget is exhausted.
	KindTransient Kind = "Transient"
	// KindPermanent covers non-retryable broadcast rejections, unknown
	// fragment version, illegal state transitions.
	KindPermanent Kind = "Permanent"
	// KindQuorum covers publish quorum shortfall or insufficient valid
	// shares at release time.
	KindQuorum Kind = "QuorumFailure"
	// KindTimeout covers confirmation-wait or monitor-lifetime exceeded.
	KindTimeout Kind = "Timeout"
	// KindFatal covers a missing master key in production or a corrupted
	// stored SealedMessage detected via integrity hash.
	KindFatal Kind = "Fatal"
)

// Error is the structured error value every echolock package returns.
type Error struct {
	Kind Kind
	Op string // e.g. "sharing.Combine", "relay.Publish"
	SwitchID string
	FragmentIndex int // -1 when not applicable
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.SwitchID != "" {
		msg += fmt.Sprintf(" switch=%s", e.SwitchID)
	}
	if e.FragmentIndex >= 0 {
		msg += fmt.Sprintf(" fragment=%d", e.FragmentIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an *Error with no switch/fragment context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, FragmentIndex: -1, Err: err}
}

// WithSwitch attaches a switch id.
func (e *Error) WithSwitch(switchID string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.SwitchID = switchID
	return &cp
}

// WithFragment attaches a fragment index.
func (e *Error) WithFragment(index int) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.FragmentIndex = index
	return &cp
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// InsufficientShares is the specific QuorumFailure surfaced by C2/C8 when
// fewer than K valid shares are available.
func InsufficientShares(op string, got, needed int) *Error {
	return New(KindQuorum, op, fmt.Errorf("insufficient shares: got %d need %d", got, needed))
}

// InvalidShare is the specific AuthFailure surfaced by C2 when a share's
// HMAC fails to verify.
func InvalidShare(op string, index int) *Error {
	return New(KindAuth, op, fmt.Errorf("invalid share at index %d", index)).WithFragment(index)
}

// DuplicateIndex is surfaced by C2 Combine when two supplied shares carry
// the same index.
func DuplicateIndex(op string, index int) *Error {
	return New(KindInput, op, fmt.Errorf("duplicate share index %d", index)).WithFragment(index)
}

// IllegalTransition is surfaced by the two-phase coordinator and the
// switch lifecycle state machines.
func IllegalTransition(op, from, to string) *Error {
	return New(KindPermanent, op, fmt.Errorf("illegal transition %s -> %s", from, to))
}
