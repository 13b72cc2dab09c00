package models

import "time"

// ── Group membership ─────────────────────────────────────────

// ApprovalMode is the aggregation rule for owner decisions on access
// requests: any single owner, all owners, or a distinct-approver threshold.
type ApprovalMode string

const (
	ApprovalAny       ApprovalMode = "any"
	ApprovalAll       ApprovalMode = "all"
	ApprovalThreshold ApprovalMode = "threshold"
)

// ValidApprovalMode reports whether m is a known approval mode.
func ValidApprovalMode(m ApprovalMode) bool {
	return m == ApprovalAny || m == ApprovalAll || m == ApprovalThreshold
}

type GroupProvider string

const (
	ProviderInternal GroupProvider = "internal"
	ProviderLDAP     GroupProvider = "ldap"
	ProviderOkta     GroupProvider = "okta"
)

// ValidGroupProvider reports whether p is a known group provider.
func ValidGroupProvider(p GroupProvider) bool {
	return p == ProviderInternal || p == ProviderLDAP || p == ProviderOkta
}

// Group is a membership group whose access requests flow through the
// approval workflow. OwnerIdentityID is the primary owner; OwnerIDs is the
// full resolved approver set (always containing the primary owner).
type Group struct {
	ID                int64         `json:"id"`
	VillageID         string        `json:"village_id"`
	TenantID          int64         `json:"tenant_id"`
	Name              string        `json:"name"`
	OwnerIdentityID   int64         `json:"owner_identity_id"`
	OwnerIDs          []int64       `json:"owner_ids"`
	ApprovalMode      ApprovalMode  `json:"approval_mode"`
	ApprovalThreshold int           `json:"approval_threshold"`
	Provider          GroupProvider `json:"provider"`
	SyncEnabled       bool          `json:"sync_enabled"`
	Revision          int64         `json:"revision"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsOwner reports whether identityID belongs to the resolved owner set.
func (g *Group) IsOwner(identityID int64) bool {
	if identityID == g.OwnerIdentityID {
		return true
	}
	for _, id := range g.OwnerIDs {
		if id == identityID {
			return true
		}
	}
	return false
}

// GroupMember is a membership row, optionally expiring.
type GroupMember struct {
	GroupID    int64      `json:"group_id"`
	IdentityID int64      `json:"identity_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
}

// ── Access requests ──────────────────────────────────────────

// RequestState is the access-request lifecycle state. Legal transitions:
// pending→approved, pending→denied, pending→expired, approved→revoked,
// approved→expired.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestDenied   RequestState = "denied"
	RequestExpired  RequestState = "expired"
	RequestRevoked  RequestState = "revoked"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ApprovalRecord is one owner's decision on an access request. At most one
// record per (request, approver).
type ApprovalRecord struct {
	RequestID  int64     `json:"request_id"`
	ApproverID int64     `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccessRequest is a pending or decided request to join a group.
type AccessRequest struct {
	ID          int64            `json:"id"`
	TenantID    int64            `json:"tenant_id"`
	GroupID     int64            `json:"group_id"`
	RequesterID int64            `json:"requester_id"`
	Reason      string           `json:"reason,omitempty"`
	State       RequestState     `json:"state"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Approvals   []ApprovalRecord `json:"approvals,omitempty"`
	Revision    int64            `json:"revision"`
	CreatedAt   time.Time        `json:"created_at"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
}

// DecisionBy returns the recorded decision for approverID, if any.
func (r *AccessRequest) DecisionBy(approverID int64) (Decision, bool) {
	for _, a := range r.Approvals {
		if a.ApproverID == approverID {
			return a.Decision, true
		}
	}
	return "", false
}

// CountDecisions returns the number of distinct approve and deny records.
func (r *AccessRequest) CountDecisions() (approvals, denials int) {
	for _, a := range r.Approvals {
		if a.Decision == DecisionApprove {
			approvals++
		} else {
			denials++
		}
	}
	return approvals, denials
}
