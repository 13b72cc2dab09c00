// Package rpc implements the op-coded JSON method catalog of the Elder
// core. Each request is one JSON object on a connection, carrying an
// operation constant, opaque args, and a bearer token; each response is
// one JSON object with success/data/error. The catalog mirrors the REST
// surface plus the graph queries.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/elder-platform/elder/pkg/models"
)

// Operation constants.
const (
	OpHealthCheck = "health_check"

	OpGraphImpact   = "graph_impact"
	OpGraphAnalyze  = "graph_analyze"
	OpGraphPath     = "graph_path"
	OpGraphTopology = "graph_topology"

	OpTenantGet  = "tenant_get"
	OpTenantList = "tenant_list"

	OpOrganizationGet       = "organization_get"
	OpOrganizationList      = "organization_list"
	OpOrganizationChildren  = "organization_children"
	OpOrganizationHierarchy = "organization_hierarchy"

	OpEntityGet    = "entity_get"
	OpEntityList   = "entity_list"
	OpEntityCreate = "entity_create"
	OpEntityUpdate = "entity_update"
	OpEntityDelete = "entity_delete"

	OpDependencyList   = "dependency_list"
	OpDependencyCreate = "dependency_create"
	OpDependencyDelete = "dependency_delete"

	OpIdentityGet = "identity_get"
	OpIssueGet    = "issue_get"
	OpIssueList   = "issue_list"
	OpGroupGet    = "group_get"
	OpGroupList   = "group_list"

	OpOnCallCurrent  = "oncall_current"
	OpOnCallTimeline = "oncall_timeline"

	OpAuditList = "audit_list"

	OpVillageResolve = "village_resolve"
)

// Request is the client-to-server envelope. Authorization rides in the
// token field, resolved exactly like the HTTP bearer header.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Token     string          `json:"authorization,omitempty"`
}

// Response is the server-to-client envelope. On failure Error holds the
// message and Code the taxonomy kind, with conflict reasons in Details.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Details map[string]any  `json:"details,omitempty"`
}

// ── Operation args ───────────────────────────────────────────

type IDArgs struct {
	ID int64 `json:"id"`
}

type ListArgs struct {
	TenantID int64 `json:"tenant_id,omitempty"`
	Page     int   `json:"page,omitempty"`
	PerPage  int   `json:"per_page,omitempty"`
}

type ChildrenArgs struct {
	OrganizationID int64 `json:"organization_id"`
	Recursive      bool  `json:"recursive,omitempty"`
}

type ImpactArgs struct {
	EntityID  int64                  `json:"entity_id"`
	Direction models.ImpactDirection `json:"direction,omitempty"`
	MaxDepth  *int                   `json:"max_depth,omitempty"`
}

type AnalyzeArgs struct {
	TenantID       int64 `json:"tenant_id,omitempty"`
	OrganizationID int64 `json:"organization_id,omitempty"`
}

type PathArgs struct {
	SourceID int64                   `json:"source_id"`
	TargetID int64                   `json:"target_id"`
	Types    []models.DependencyType `json:"types,omitempty"`
}

type TopologyArgs struct {
	OrganizationID  int64 `json:"organization_id"`
	IncludeChildren bool  `json:"include_children,omitempty"`
}

type EntityListArgs struct {
	ListArgs
	OrganizationID int64             `json:"organization_id,omitempty"`
	Type           models.EntityType `json:"entity_type,omitempty"`
	Name           string            `json:"name,omitempty"`
	Tag            string            `json:"tag,omitempty"`
}

type EntityCreateArgs struct {
	OrganizationID int64             `json:"organization_id"`
	Type           models.EntityType `json:"entity_type"`
	Name           string            `json:"name"`
	Attributes     models.AttrMap    `json:"attributes,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
}

type EntityUpdateArgs struct {
	ID             int64             `json:"id"`
	OrganizationID int64             `json:"organization_id"`
	Type           models.EntityType `json:"entity_type"`
	Name           string            `json:"name"`
	Attributes     models.AttrMap    `json:"attributes,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	IsActive       *bool             `json:"is_active,omitempty"`
	Revision       int64             `json:"revision"`
}

type DependencyListArgs struct {
	ListArgs
	SourceEntityID int64                 `json:"source_entity_id,omitempty"`
	TargetEntityID int64                 `json:"target_entity_id,omitempty"`
	Type           models.DependencyType `json:"dependency_type,omitempty"`
}

type DependencyCreateArgs struct {
	SourceEntityID int64                 `json:"source_entity_id"`
	TargetEntityID int64                 `json:"target_entity_id"`
	Type           models.DependencyType `json:"dependency_type"`
	Metadata       models.AttrMap        `json:"metadata,omitempty"`
}

type IssueListArgs struct {
	ListArgs
	OrganizationID int64              `json:"organization_id,omitempty"`
	Status         models.IssueStatus `json:"status,omitempty"`
	AssigneeID     int64              `json:"assignee_id,omitempty"`
	Label          string             `json:"label,omitempty"`
	EntityID       int64              `json:"entity_id,omitempty"`
}

type OnCallArgs struct {
	TenantID  int64              `json:"tenant_id,omitempty"`
	ScopeType models.OnCallScope `json:"scope_type"`
	ScopeID   int64              `json:"scope_id"`
	At        *time.Time         `json:"at,omitempty"`
	From      *time.Time         `json:"from,omitempty"`
	To        *time.Time         `json:"to,omitempty"`
}

type AuditListArgs struct {
	ListArgs
	PrincipalID  int64      `json:"principal_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   int64      `json:"resource_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
}

type VillageResolveArgs struct {
	VillageID string `json:"village_id"`
}
