// Package store provides the transactional persistence layer for the Elder
// graph service. Handlers and the request pipeline depend only on the Store
// interface, which has an in-memory implementation (local dev, tests) and a
// PostgreSQL implementation (production, pgx).
package store

import (
	"context"
	"time"

	"github.com/elder-platform/elder/pkg/models"
)

// Store is the root persistence interface.
//
// Reads outside a transaction go through Reader (read-committed). Mutations
// go through Begin/Commit so that validation, the mutation itself, and the
// audit append land atomically. Within one transaction reads see its own
// writes; across transactions revision CAS and constraint checks are
// enforced with row-level locking.
type Store interface {
	// Begin opens a transaction. The returned Tx must be finished with
	// Commit or Rollback; deadlock retry happens inside the store, bounded
	// by the caller's context deadline.
	Begin(ctx context.Context) (Tx, error)

	// Reader serves auto-committed reads outside any transaction.
	Reader() Reader

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// Tx is a single transaction: all Reader and Writer calls observe and
// mutate the same snapshot until Commit.
type Tx interface {
	Reader
	Writer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Reader bundles the read side of every table.
type Reader interface {
	TenantReader
	OrganizationReader
	EntityReader
	DependencyReader
	IdentityReader
	RoleReader
	IssueReader
	OnCallReader
	GroupReader
	AuditReader
	PlanReader
	VillageReader
	TokenReader
}

// Writer bundles the write side of every table.
type Writer interface {
	TenantWriter
	OrganizationWriter
	EntityWriter
	DependencyWriter
	IdentityWriter
	RoleWriter
	IssueWriter
	OnCallWriter
	GroupWriter
	AuditWriter
	PlanWriter
	VillageWriter
	TokenWriter
}

// Pagination is an offset/limit window already resolved from page numbers.
type Pagination struct {
	Offset int
	Limit  int
}

// ── Tenants ──────────────────────────────────────────────────

type TenantReader interface {
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error)
	ListTenants(ctx context.Context, p Pagination) ([]models.Tenant, int64, error)
}

type TenantWriter interface {
	InsertTenant(ctx context.Context, t *models.Tenant) error
	// UpdateTenant applies a revision-checked update: t.Revision must equal
	// the stored revision, and is incremented on success.
	UpdateTenant(ctx context.Context, t *models.Tenant) error
	DeleteTenant(ctx context.Context, id int64) error
}

// ── Organizations ────────────────────────────────────────────

type OrganizationReader interface {
	GetOrganization(ctx context.Context, id int64) (*models.Organization, error)
	ListOrganizations(ctx context.Context, tenantID int64, p Pagination) ([]models.Organization, int64, error)
	// ListOrganizationsByParent returns direct children; parentID nil
	// returns the tenant's roots.
	ListOrganizationsByParent(ctx context.Context, tenantID int64, parentID *int64) ([]models.Organization, error)
	// AllOrganizations batch-loads the full org set of a tenant for the
	// graph engine.
	AllOrganizations(ctx context.Context, tenantID int64) ([]models.Organization, error)
}

type OrganizationWriter interface {
	InsertOrganization(ctx context.Context, o *models.Organization) error
	UpdateOrganization(ctx context.Context, o *models.Organization) error
	DeleteOrganization(ctx context.Context, id int64) error
}

// ── Entities ─────────────────────────────────────────────────

// EntityFilter narrows entity lists. Zero values mean "any".
type EntityFilter struct {
	OrganizationID int64
	Type           models.EntityType
	Name           string
	Tag            string
	IsActive       *bool
}

type EntityReader interface {
	GetEntity(ctx context.Context, id int64) (*models.Entity, error)
	ListEntities(ctx context.Context, tenantID int64, f EntityFilter, p Pagination) ([]models.Entity, int64, error)
	// AllEntities batch-loads the full entity set of a tenant for the
	// graph engine.
	AllEntities(ctx context.Context, tenantID int64) ([]models.Entity, error)
}

type EntityWriter interface {
	InsertEntity(ctx context.Context, e *models.Entity) error
	UpdateEntity(ctx context.Context, e *models.Entity) error
	DeleteEntity(ctx context.Context, id int64) error
}

// ── Dependencies ─────────────────────────────────────────────

// DependencyFilter narrows dependency lists. Zero values mean "any".
type DependencyFilter struct {
	SourceEntityID int64
	TargetEntityID int64
	Type           models.DependencyType
}

type DependencyReader interface {
	GetDependency(ctx context.Context, id int64) (*models.Dependency, error)
	ListDependencies(ctx context.Context, tenantID int64, f DependencyFilter, p Pagination) ([]models.Dependency, int64, error)
	// AllDependencies batch-loads the full edge set of a tenant for the
	// graph engine.
	AllDependencies(ctx context.Context, tenantID int64) ([]models.Dependency, error)
}

type DependencyWriter interface {
	InsertDependency(ctx context.Context, d *models.Dependency) error
	UpdateDependency(ctx context.Context, d *models.Dependency) error
	DeleteDependency(ctx context.Context, id int64) error
}

// ── Identities ───────────────────────────────────────────────

type IdentityReader interface {
	GetIdentity(ctx context.Context, id int64) (*models.Identity, error)
	GetIdentityByUsername(ctx context.Context, tenantID int64, username string) (*models.Identity, error)
	ListIdentities(ctx context.Context, tenantID int64, p Pagination) ([]models.Identity, int64, error)
}

type IdentityWriter interface {
	InsertIdentity(ctx context.Context, i *models.Identity) error
	UpdateIdentity(ctx context.Context, i *models.Identity) error
	DeleteIdentity(ctx context.Context, id int64) error
}

// ── Resource roles ───────────────────────────────────────────

type RoleReader interface {
	ListRolesByIdentity(ctx context.Context, identityID int64) ([]models.ResourceRole, error)
	ListRolesByScope(ctx context.Context, scopeType models.ScopeType, scopeID int64) ([]models.ResourceRole, error)
	ListRoles(ctx context.Context, tenantID int64, p Pagination) ([]models.ResourceRole, int64, error)
}

type RoleWriter interface {
	// UpsertRole creates or replaces the grant for the (identity, scope)
	// triple.
	UpsertRole(ctx context.Context, r *models.ResourceRole) error
	DeleteRole(ctx context.Context, id int64) error
}

// ── Issues ───────────────────────────────────────────────────

// IssueFilter narrows issue lists. Nil/zero values mean "any".
type IssueFilter struct {
	OrganizationID int64
	Status         models.IssueStatus
	AssigneeID     int64
	IsIncident     *bool
	Label          string
	EntityID       int64
}

type IssueReader interface {
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	ListIssues(ctx context.Context, tenantID int64, f IssueFilter, p Pagination) ([]models.Issue, int64, error)
	ListIssueComments(ctx context.Context, issueID int64) ([]models.IssueComment, error)
}

type IssueWriter interface {
	InsertIssue(ctx context.Context, i *models.Issue) error
	UpdateIssue(ctx context.Context, i *models.Issue) error
	DeleteIssue(ctx context.Context, id int64) error
	InsertIssueComment(ctx context.Context, c *models.IssueComment) error
}

// ── On-call ──────────────────────────────────────────────────

type OnCallReader interface {
	GetRotation(ctx context.Context, id int64) (*models.OnCallRotation, error)
	ListRotations(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallRotation, error)
	ListOverrides(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallOverride, error)
}

type OnCallWriter interface {
	InsertRotation(ctx context.Context, r *models.OnCallRotation) error
	UpdateRotation(ctx context.Context, r *models.OnCallRotation) error
	DeleteRotation(ctx context.Context, id int64) error
	InsertOverride(ctx context.Context, o *models.OnCallOverride) error
	DeleteOverride(ctx context.Context, id int64) error
}

// ── Groups ───────────────────────────────────────────────────

type GroupReader interface {
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	GetGroupByName(ctx context.Context, tenantID int64, name string) (*models.Group, error)
	ListGroups(ctx context.Context, tenantID int64, p Pagination) ([]models.Group, int64, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]models.GroupMember, error)
	GetAccessRequest(ctx context.Context, id int64) (*models.AccessRequest, error)
	ListAccessRequests(ctx context.Context, groupID int64, state models.RequestState, p Pagination) ([]models.AccessRequest, int64, error)
}

type GroupWriter interface {
	InsertGroup(ctx context.Context, g *models.Group) error
	UpdateGroup(ctx context.Context, g *models.Group) error
	DeleteGroup(ctx context.Context, id int64) error
	AddGroupMember(ctx context.Context, m *models.GroupMember) error
	RemoveGroupMember(ctx context.Context, groupID, identityID int64) error
	InsertAccessRequest(ctx context.Context, r *models.AccessRequest) error
	UpdateAccessRequest(ctx context.Context, r *models.AccessRequest) error
	// UpsertApproval records one owner's decision; at most one per
	// (request, approver).
	UpsertApproval(ctx context.Context, a *models.ApprovalRecord) error
}

// ── Audit ────────────────────────────────────────────────────

type AuditReader interface {
	ListAuditRecords(ctx context.Context, f models.AuditFilter, p Pagination) ([]models.AuditRecord, int64, error)
}

type AuditWriter interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	// PurgeAudit removes records older than before and returns the count.
	PurgeAudit(ctx context.Context, tenantID int64, before time.Time) (int64, error)
}

// ── Milestones & projects ────────────────────────────────────

type PlanReader interface {
	GetMilestone(ctx context.Context, id int64) (*models.Milestone, error)
	ListMilestones(ctx context.Context, tenantID int64, p Pagination) ([]models.Milestone, int64, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context, tenantID int64, p Pagination) ([]models.Project, int64, error)
}

type PlanWriter interface {
	InsertMilestone(ctx context.Context, m *models.Milestone) error
	UpdateMilestone(ctx context.Context, m *models.Milestone) error
	DeleteMilestone(ctx context.Context, id int64) error
	InsertProject(ctx context.Context, pr *models.Project) error
	UpdateProject(ctx context.Context, pr *models.Project) error
	DeleteProject(ctx context.Context, id int64) error
}

// ── Village-ID ───────────────────────────────────────────────

type VillageReader interface {
	GetVillageLookup(ctx context.Context, villageID string) (*models.VillageLookup, error)
}

type VillageWriter interface {
	// NextVillageCounter atomically increments and returns the per-bucket
	// resource counter. The counter row stays locked until the enclosing
	// transaction finishes, so allocation is exactly-once per commit.
	NextVillageCounter(ctx context.Context, tenantID, orgID int64) (uint32, error)
	PutVillageLookup(ctx context.Context, l *models.VillageLookup) error
}

// ── Tokens ───────────────────────────────────────────────────

type TokenReader interface {
	GetTokenByFingerprint(ctx context.Context, fingerprint string) (*models.APIToken, error)
	ListTokensByIdentity(ctx context.Context, identityID int64) ([]models.APIToken, error)
}

type TokenWriter interface {
	InsertToken(ctx context.Context, t *models.APIToken) error
	TouchToken(ctx context.Context, id int64, usedAt time.Time) error
	DeleteToken(ctx context.Context, id int64) error
}
