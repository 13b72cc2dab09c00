// Package models defines the shared data model for the Elder inventory and
// relationship platform: tenants, the organization tree, the entity
// dependency graph, principals and roles, issues, on-call rotations, group
// membership, and the audit trail.
//
// All IDs are 64-bit integers. All timestamps are UTC instants. Every
// mutable row carries a Revision counter used for optimistic concurrency:
// updates must present the revision they read, and the store rejects the
// write with a stale-revision conflict when it no longer matches.
package models

import "time"

// ── Tenant ───────────────────────────────────────────────────

// Tenant is the top-level isolation boundary. Every other record belongs to
// exactly one tenant, and no reference may cross tenants.
type Tenant struct {
	ID int64 `json:"id"`
	// VillageCode is the stable 16-bit hex code (TTTT) this tenant occupies
	// in every Village-ID minted for its resources.
	VillageCode string    `json:"village_tenant_code"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"is_active"`
	Revision    int64     `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ── Organization ─────────────────────────────────────────────

type OrgType string

const (
	OrgTypeDepartment   OrgType = "department"
	OrgTypeOrganization OrgType = "organization"
	OrgTypeTeam         OrgType = "team"
	OrgTypeCollection   OrgType = "collection"
	OrgTypeOther        OrgType = "other"
)

// ValidOrgType reports whether t is a known organization type.
func ValidOrgType(t OrgType) bool {
	switch t {
	case OrgTypeDepartment, OrgTypeOrganization, OrgTypeTeam, OrgTypeCollection, OrgTypeOther:
		return true
	}
	return false
}

// Organization is a node in a tenant's org tree. ParentID is nil for roots;
// when set it must reference an organization of the same tenant, and the
// resulting tree must stay acyclic. Name is unique among siblings.
type Organization struct {
	ID              int64   `json:"id"`
	VillageID       string  `json:"village_id"`
	TenantID        int64   `json:"tenant_id"`
	ParentID        *int64  `json:"parent_id,omitempty"`
	Name            string  `json:"name"`
	Type            OrgType `json:"type"`
	OwnerIdentityID int64   `json:"owner_identity_id"`
	OwnerGroupID    *int64  `json:"owner_group_id,omitempty"`
	// External directory references used by discovery connectors.
	LDAPDN    string    `json:"ldap_dn,omitempty"`
	SAMLGroup string    `json:"saml_group,omitempty"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Entity ───────────────────────────────────────────────────

type EntityType string

const (
	EntityCompute       EntityType = "compute"
	EntityNetwork       EntityType = "network"
	EntityStorage       EntityType = "storage"
	EntityDatabase      EntityType = "database"
	EntityUser          EntityType = "user"
	EntitySecurityIssue EntityType = "security_issue"
	EntityService       EntityType = "service"
	EntityDatacenter    EntityType = "datacenter"
	EntityVPC           EntityType = "vpc"
	EntitySubnet        EntityType = "subnet"
	EntityApplication   EntityType = "application"
)

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityCompute, EntityNetwork, EntityStorage, EntityDatabase, EntityUser,
		EntitySecurityIssue, EntityService, EntityDatacenter, EntityVPC,
		EntitySubnet, EntityApplication:
		return true
	}
	return false
}

// Entity is an inventory object attached to an organization. Attributes is
// an opaque scalar map; nothing in the core introspects it beyond the type
// discriminator. Entities are unique per (organization, type, name).
type Entity struct {
	ID             int64      `json:"id"`
	VillageID      string     `json:"village_id"`
	TenantID       int64      `json:"tenant_id"`
	OrganizationID int64      `json:"organization_id"`
	Type           EntityType `json:"entity_type"`
	Name           string     `json:"name"`
	Attributes     AttrMap    `json:"attributes,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	IsActive       bool       `json:"is_active"`
	Revision       int64      `json:"revision"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AttrMap is the free-form scalar attribute map carried by entities and
// dependencies. Values are JSON scalars (string, number, bool, null).
type AttrMap map[string]any

// Str returns the string value for key, or "" when absent or non-string.
func (m AttrMap) Str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Num returns the numeric value for key, or 0 when absent or non-numeric.
func (m AttrMap) Num(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns the boolean value for key, or false when absent.
func (m AttrMap) Bool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// ── Dependency ───────────────────────────────────────────────

type DependencyType string

const (
	DepRuntime     DependencyType = "runtime"
	DepNetwork     DependencyType = "network"
	DepApplication DependencyType = "application"
	DepDatabase    DependencyType = "database"
	DepRelated     DependencyType = "related"
	DepParentOf    DependencyType = "parent_of"
)

// ValidDependencyType reports whether t is a known dependency type.
func ValidDependencyType(t DependencyType) bool {
	switch t {
	case DepRuntime, DepNetwork, DepApplication, DepDatabase, DepRelated, DepParentOf:
		return true
	}
	return false
}

// HardDependency reports whether t belongs to the hard subgraph, the set of
// edge types that must keep the dependency graph acyclic.
func HardDependency(t DependencyType) bool {
	switch t {
	case DepRuntime, DepNetwork, DepApplication, DepDatabase:
		return true
	}
	return false
}

// Dependency is a directed edge between two entities of the same tenant.
// Endpoints must be distinct and (source, target, type) is unique. For
// policy purposes the edge is owned by its source entity.
type Dependency struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenant_id"`
	SourceEntityID int64          `json:"source_entity_id"`
	TargetEntityID int64          `json:"target_entity_id"`
	Type           DependencyType `json:"dependency_type"`
	Metadata       AttrMap        `json:"metadata,omitempty"`
	Revision       int64          `json:"revision"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ── Milestones & Projects ────────────────────────────────────

// Milestone is a thin planning resource scoped to a tenant.
type Milestone struct {
	ID          int64      `json:"id"`
	VillageID   string     `json:"village_id"`
	TenantID    int64      `json:"tenant_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Closed      bool       `json:"closed"`
	Revision    int64      `json:"revision"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Project groups issues under a tenant, optionally owned by an organization.
type Project struct {
	ID             int64     `json:"id"`
	VillageID      string    `json:"village_id"`
	TenantID       int64     `json:"tenant_id"`
	OrganizationID *int64    `json:"organization_id,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Archived       bool      `json:"archived"`
	Revision       int64     `json:"revision"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
