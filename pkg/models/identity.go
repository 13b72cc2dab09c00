package models

import "time"

// ── Identity ─────────────────────────────────────────────────

type IdentityType string

const (
	IdentityHuman          IdentityType = "human"
	IdentityServiceAccount IdentityType = "service_account"
)

// Role is the portal/resource role ladder. Ranks order strictly:
// viewer < operator < maintainer < admin < super_admin.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleOperator   Role = "operator"
	RoleMaintainer Role = "maintainer"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleViewer:     1,
	RoleOperator:   2,
	RoleMaintainer: 3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

// Rank returns the numeric rank of a role; unknown roles rank below viewer.
func (r Role) Rank() int { return roleRank[r] }

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool { return r.Rank() >= min.Rank() }

// MaxRole returns the higher-ranked of two roles.
func MaxRole(a, b Role) Role {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool { return roleRank[r] > 0 }

// Identity is an authenticated principal: a human or a service account.
// Credential material is never stored; only its fingerprint is.
type Identity struct {
	ID           int64        `json:"id"`
	VillageID    string       `json:"village_id"`
	TenantID     int64        `json:"tenant_id"`
	Username     string       `json:"username"`
	Email        string       `json:"email,omitempty"`
	Type         IdentityType `json:"identity_type"`
	AuthProvider string       `json:"auth_provider"`
	PortalRole   Role         `json:"portal_role"`
	IsActive     bool         `json:"is_active"`
	MFAEnabled   bool         `json:"mfa_enabled"`
	// CredentialFingerprint is the SHA-256 fingerprint of the current
	// credential, used for rotation bookkeeping only.
	CredentialFingerprint string     `json:"credential_fingerprint,omitempty"`
	CredentialRotatedAt   *time.Time `json:"credential_rotated_at,omitempty"`
	Revision              int64      `json:"revision"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ── ResourceRole ─────────────────────────────────────────────

// ScopeType is the unit at which a role grant attaches.
type ScopeType string

const (
	ScopeTenant       ScopeType = "tenant"
	ScopeOrganization ScopeType = "organization"
	ScopeEntity       ScopeType = "entity"
)

// ValidScopeType reports whether s is a known scope type.
func ValidScopeType(s ScopeType) bool {
	switch s {
	case ScopeTenant, ScopeOrganization, ScopeEntity:
		return true
	}
	return false
}

// ResourceRole grants an identity a role at a scope. Organization-scoped
// grants inherit to every descendant organization. Unique per
// (identity, scope_type, scope_id).
type ResourceRole struct {
	ID         int64     `json:"id"`
	TenantID   int64     `json:"tenant_id"`
	IdentityID int64     `json:"identity_id"`
	ScopeType  ScopeType `json:"scope_type"`
	ScopeID    int64     `json:"scope_id"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── API tokens ───────────────────────────────────────────────

type TokenKind string

const (
	TokenAPIKey  TokenKind = "api_key"
	TokenSession TokenKind = "session"
	TokenRefresh TokenKind = "refresh"
)

// APIToken is the stored side of a bearer credential. The raw token is
// returned once at creation; only its SHA-256 fingerprint is persisted.
type APIToken struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	IdentityID  int64      `json:"identity_id"`
	Kind        TokenKind  `json:"kind"`
	Fingerprint string     `json:"-"`
	Name        string     `json:"name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
