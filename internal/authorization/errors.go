package authorization

import (
	"errors"
	"fmt"
)

// Kind classifies why an authorization attempt was refused.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindExpired
	KindIdentityMismatch
	KindInvalidSignature
)

var (
	ErrNotFound         = errors.New("no live authorization request")
	ErrExpired          = errors.New("authorization request expired")
	ErrIdentityMismatch = errors.New("identity does not own the task")
	ErrInvalidSignature = errors.New("invalid authorization signature")
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindIdentityMismatch:
		return "identity_mismatch"
	case KindInvalidSignature:
		return "invalid_signature"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindExpired:
		return ErrExpired
	case KindIdentityMismatch:
		return ErrIdentityMismatch
	case KindInvalidSignature:
		return ErrInvalidSignature
	default:
		return nil
	}
}

// Error is returned synchronously to the caller of Validate. The task stays
// in PendingAuthorization whatever the kind.
type Error struct {
	Kind   Kind
	TaskID string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("authorize task %s: %v", e.TaskID, e.Kind.sentinel())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the refusal kind from err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return 0
}
