// ABOUTME: Typed error taxonomy returned by transport implementations.
// ABOUTME: Callers switch on error kind, never on the error's text.

package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindOther is any failure that is neither a connectivity problem nor a
	// credential revocation.
	KindOther Kind = iota
	// KindUnavailable means the remote service could not be reached.
	KindUnavailable
	// KindCredentialsInvalid means the remote service rejected the agent's
	// credentials (revoked, deactivated, locked or suspended).
	KindCredentialsInvalid
	// KindNotFound means the referenced user, room or media does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindCredentialsInvalid:
		return "credentials_invalid"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Sentinel errors matched with errors.Is against an *Error of the same kind.
var (
	ErrUnavailable        = errors.New("transport unavailable")
	ErrCredentialsInvalid = errors.New("credentials invalidated")
	ErrNotFound           = errors.New("not found")
)

// Error is the error type every Transport method returns on failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with the given kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrCredentialsInvalid:
		return e.Kind == KindCredentialsInvalid
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindOther
}

// IsCredentialsInvalid reports whether err signals that the agent's
// credentials were invalidated by the remote service.
func IsCredentialsInvalid(err error) bool {
	return errors.Is(err, ErrCredentialsInvalid)
}

// IsUnavailable reports whether err signals a connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
