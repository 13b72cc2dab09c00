package models

import "time"

// ── On-call ──────────────────────────────────────────────────

// OnCallScope is the kind of object a rotation attaches to.
type OnCallScope string

const (
	OnCallScopeOrganization OnCallScope = "organization"
	OnCallScopeService      OnCallScope = "service"
)

// ValidOnCallScope reports whether s is a known on-call scope.
func ValidOnCallScope(s OnCallScope) bool {
	return s == OnCallScopeOrganization || s == OnCallScopeService
}

// OnCallShift is one interval of a rotation. The window is half-open:
// Start inclusive, End exclusive.
type OnCallShift struct {
	ID         int64     `json:"id"`
	RotationID int64     `json:"rotation_id"`
	IdentityID int64     `json:"identity_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Contains reports whether t falls inside the half-open shift window.
func (s *OnCallShift) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// OnCallRotation is an ordered sequence of shifts for one scope. Multiple
// rotations may layer over the same scope; resolution prefers the smallest
// Priority, then the smallest ID.
type OnCallRotation struct {
	ID        int64         `json:"id"`
	TenantID  int64         `json:"tenant_id"`
	ScopeType OnCallScope   `json:"scope_type"`
	ScopeID   int64         `json:"scope_id"`
	Name      string        `json:"name"`
	Priority  int           `json:"priority"`
	Shifts    []OnCallShift `json:"shifts"`
	Revision  int64         `json:"revision"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// OnCallOverride supersedes regular shifts while its half-open window
// overlaps the queried instant. Among overlapping overrides the most
// recently created wins.
type OnCallOverride struct {
	ID         int64       `json:"id"`
	TenantID   int64       `json:"tenant_id"`
	ScopeType  OnCallScope `json:"scope_type"`
	ScopeID    int64       `json:"scope_id"`
	IdentityID int64       `json:"identity_id"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Reason     string      `json:"reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Contains reports whether t falls inside the half-open override window.
func (o *OnCallOverride) Contains(t time.Time) bool {
	return !t.Before(o.Start) && t.Before(o.End)
}

// OnCallResult is the answer to "who is on call right now".
type OnCallResult struct {
	IdentityID   int64     `json:"identity_id"`
	IdentityName string    `json:"identity_name"`
	ShiftStart   time.Time `json:"shift_start"`
	ShiftEnd     time.Time `json:"shift_end"`
	IsOverride   bool      `json:"is_override"`
}

// OnCallSegment is one region of an on-call timeline. IdentityID is nil for
// gaps not covered by any rotation or override.
type OnCallSegment struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	IdentityID *int64    `json:"identity_id"`
	IsOverride bool      `json:"is_override"`
}
