// Package fault defines the uniform error taxonomy used at every provider,
// engine and task boundary. An Error carries a stable kind, an operator
// message and a retryability classification; callers branch on Kind via
// errors.As rather than string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable classification of a failure.
type Kind string

const (
	// KindInput is a caller mistake: rejected before any state mutation.
	KindInput Kind = "input"
	// KindNotFound is a lookup miss for a caller-supplied identifier.
	KindNotFound Kind = "not_found"
	// KindInsufficientFunds means no provider could cover the charge.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindPaymentDeclined is a hard, non-retryable provider decline.
	KindPaymentDeclined Kind = "payment_declined"
	// KindRequiresAction pauses a charge until the user completes a
	// hosted authentication step (3DS).
	KindRequiresAction Kind = "requires_action"
	// KindTransientProvider is a timeout / rate limit / upstream 5xx;
	// safe to retry on the next reconciliation pass.
	KindTransientProvider Kind = "transient_provider"
	// KindConsistency is an invariant violation observed on read. It
	// aborts the enclosing transaction and is never silently recovered.
	KindConsistency Kind = "consistency"
	// KindCrypto is a decryption or key failure; fatal at the point of call.
	KindCrypto Kind = "crypto"
	// KindUnavailable is a dependency (GM, database) that could not be
	// reached; mutations that tolerate it say so explicitly.
	KindUnavailable Kind = "unavailable"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is the uniform boundary error: {kind, message, retryable}.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

// New builds a non-retryable Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryable builds a retryable Error of the given kind.
func Retryable(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Wrap attaches a cause while preserving kind and retryability.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WrapRetryable is Wrap with the retryable classification set.
func WrapRetryable(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is classified as retryable. Foreign
// errors are not retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
