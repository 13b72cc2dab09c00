// Package errs defines the error taxonomy shared by every Elder component.
// All errors crossing a component boundary are *errs.Error values carrying a
// Kind; the API edge maps kinds to HTTP statuses and the RPC dispatcher maps
// them to protocol status codes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindDeadlock        Kind = "deadlock"
	KindUnavailable     Kind = "storage_unavailable"
	KindDeadline        Kind = "cancelled_by_deadline"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// Conflict reason subcodes. 409 responses name one of these in details.reason.
const (
	ReasonUnique          = "unique"
	ReasonForeignKey      = "foreign_key"
	ReasonCycle           = "cycle"
	ReasonStaleRevision   = "stale_revision"
	ReasonDependentExists = "dependent_exists"
)

// Forbidden reason codes. Closed set; AuthZ decisions log exactly one of these.
const (
	ReasonNoRoleOnScope    = "no_role_on_scope"
	ReasonInsufficientRole = "insufficient_role"
	ReasonTenantMismatch   = "tenant_mismatch"
	ReasonSensitiveField   = "sensitive_field"
	ReasonMFARequired      = "mfa_required"
	ReasonInactive         = "principal_inactive"
)

// Error is the one error type Elder components return across boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Reason is a closed-set subcode (conflict reason, forbidden reason).
	Reason string
	// Details carries structured context surfaced to the client, e.g. the
	// node path of a rejected cycle.
	Details map[string]any
	// Err is the wrapped cause, never surfaced to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinel values built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(resource string, key any) *Error {
	return New(KindNotFound, "%s not found: %v", resource, key)
}

func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

// Forbidden builds a forbidden error with its required reason code.
func Forbidden(reason, format string, args ...any) *Error {
	e := New(KindForbidden, format, args...)
	e.Reason = reason
	return e
}

// Conflict builds a conflict error with its required reason subcode.
func Conflict(reason, format string, args ...any) *Error {
	e := New(KindConflict, format, args...)
	e.Reason = reason
	return e
}

func Stale(resource string, id int64) *Error {
	return Conflict(ReasonStaleRevision, "%s %d was modified concurrently", resource, id)
}

func Internal(err error) *Error {
	return Wrap(KindInternal, err, "internal error")
}

// KindOf extracts the taxonomy kind from any error chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the reason subcode, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// DetailsOf extracts structured details, if any.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsRetryable reports whether the error may be retried by a layer that can
// reason about safety. Only transient kinds qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindDeadlock, KindUnavailable:
		return true
	}
	return false
}
