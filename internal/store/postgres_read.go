package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// pgMap converts a pgx error into the shared taxonomy.
func pgMap(err error, resource string, key any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound(resource, key)
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505":
			return errs.Conflict(errs.ReasonUnique, "%s violates constraint %s", resource, pge.ConstraintName)
		case "23503":
			return errs.Conflict(errs.ReasonForeignKey, "%s violates constraint %s", resource, pge.ConstraintName)
		case "40001", "40P01":
			return errs.Wrap(errs.KindDeadlock, err, "transaction conflict on %s", resource)
		}
	}
	return errs.Internal(err)
}

// cond accumulates a WHERE clause with positional parameters.
type cond struct {
	clauses []string
	args    []any
}

func (c *cond) add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

func (c *cond) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// window renders the offset/limit tail. Non-positive limits mean "all",
// matching the in-memory paginate helper.
func (c *cond) window(p Pagination) string {
	offset := max(p.Offset, 0)
	if p.Limit <= 0 {
		return fmt.Sprintf(" OFFSET %d", offset)
	}
	return fmt.Sprintf(" OFFSET %d LIMIT %d", offset, p.Limit)
}

// pgCount runs SELECT COUNT(*) with the same conditions as the list
// query, so total reflects the unpaginated match set.
func pgCount(ctx context.Context, q pgQuerier, table string, c *cond) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+c.where(), c.args...).Scan(&total)
	return total, err
}

// ── Tenants ──────────────────────────────────────────────────

const tenantCols = "id, village_code, name, is_active, revision, created_at, updated_at"

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.VillageCode, &t.Name, &t.IsActive, &t.Revision, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (s *pgSession) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := scanTenant(s.q.QueryRow(ctx, "SELECT "+tenantCols+" FROM tenants WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "tenant", id)
	}
	return t, nil
}

func (s *pgSession) GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error) {
	t, err := scanTenant(s.q.QueryRow(ctx, "SELECT "+tenantCols+" FROM tenants WHERE village_code=$1", strings.ToLower(code)))
	if err != nil {
		return nil, pgMap(err, "tenant", code)
	}
	return t, nil
}

func (s *pgSession) ListTenants(ctx context.Context, p Pagination) ([]models.Tenant, int64, error) {
	c := &cond{}
	total, err := pgCount(ctx, s.q, "tenants", c)
	if err != nil {
		return nil, 0, pgMap(err, "tenants", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+tenantCols+" FROM tenants ORDER BY id"+c.window(p))
	if err != nil {
		return nil, 0, pgMap(err, "tenants", "list")
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *t)
	}
	return out, total, pgMap(rows.Err(), "tenants", "list")
}

// ── Organizations ────────────────────────────────────────────

const orgCols = "id, village_id, tenant_id, parent_id, name, org_type, owner_identity_id, owner_group_id, ldap_dn, saml_group, revision, created_at, updated_at"

func scanOrg(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.VillageID, &o.TenantID, &o.ParentID, &o.Name, &o.Type,
		&o.OwnerIdentityID, &o.OwnerGroupID, &o.LDAPDN, &o.SAMLGroup, &o.Revision, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (s *pgSession) GetOrganization(ctx context.Context, id int64) (*models.Organization, error) {
	o, err := scanOrg(s.q.QueryRow(ctx, "SELECT "+orgCols+" FROM organizations WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "organization", id)
	}
	return o, nil
}

func (s *pgSession) orgRows(ctx context.Context, query string, args ...any) ([]models.Organization, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgMap(err, "organizations", "list")
	}
	defer rows.Close()
	var out []models.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, *o)
	}
	return out, pgMap(rows.Err(), "organizations", "list")
}

func (s *pgSession) ListOrganizations(ctx context.Context, tenantID int64, p Pagination) ([]models.Organization, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "organizations", c)
	if err != nil {
		return nil, 0, pgMap(err, "organizations", "count")
	}
	out, err := s.orgRows(ctx, "SELECT "+orgCols+" FROM organizations"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	return out, total, err
}

func (s *pgSession) ListOrganizationsByParent(ctx context.Context, tenantID int64, parentID *int64) ([]models.Organization, error) {
	if parentID == nil {
		return s.orgRows(ctx, "SELECT "+orgCols+" FROM organizations WHERE tenant_id=$1 AND parent_id IS NULL ORDER BY id", tenantID)
	}
	return s.orgRows(ctx, "SELECT "+orgCols+" FROM organizations WHERE tenant_id=$1 AND parent_id=$2 ORDER BY id", tenantID, *parentID)
}

func (s *pgSession) AllOrganizations(ctx context.Context, tenantID int64) ([]models.Organization, error) {
	return s.orgRows(ctx, "SELECT "+orgCols+" FROM organizations WHERE tenant_id=$1 ORDER BY id", tenantID)
}

// ── Entities ─────────────────────────────────────────────────

const entityCols = "id, village_id, tenant_id, organization_id, entity_type, name, attributes, tags, is_active, revision, created_at, updated_at"

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(&e.ID, &e.VillageID, &e.TenantID, &e.OrganizationID, &e.Type, &e.Name,
		&e.Attributes, &e.Tags, &e.IsActive, &e.Revision, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (s *pgSession) GetEntity(ctx context.Context, id int64) (*models.Entity, error) {
	e, err := scanEntity(s.q.QueryRow(ctx, "SELECT "+entityCols+" FROM entities WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "entity", id)
	}
	return e, nil
}

func entityCond(tenantID int64, f EntityFilter) *cond {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	if f.OrganizationID != 0 {
		c.add("organization_id=$%d", f.OrganizationID)
	}
	if f.Type != "" {
		c.add("entity_type=$%d", f.Type)
	}
	if f.Name != "" {
		c.add("name=$%d", f.Name)
	}
	if f.Tag != "" {
		c.add("$%d = ANY(tags)", f.Tag)
	}
	if f.IsActive != nil {
		c.add("is_active=$%d", *f.IsActive)
	}
	return c
}

func (s *pgSession) entityRows(ctx context.Context, query string, args ...any) ([]models.Entity, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgMap(err, "entities", "list")
	}
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, *e)
	}
	return out, pgMap(rows.Err(), "entities", "list")
}

func (s *pgSession) ListEntities(ctx context.Context, tenantID int64, f EntityFilter, p Pagination) ([]models.Entity, int64, error) {
	c := entityCond(tenantID, f)
	total, err := pgCount(ctx, s.q, "entities", c)
	if err != nil {
		return nil, 0, pgMap(err, "entities", "count")
	}
	out, err := s.entityRows(ctx, "SELECT "+entityCols+" FROM entities"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	return out, total, err
}

func (s *pgSession) AllEntities(ctx context.Context, tenantID int64) ([]models.Entity, error) {
	return s.entityRows(ctx, "SELECT "+entityCols+" FROM entities WHERE tenant_id=$1 ORDER BY id", tenantID)
}

// ── Dependencies ─────────────────────────────────────────────

const depCols = "id, tenant_id, source_entity_id, target_entity_id, dependency_type, metadata, revision, created_at, updated_at"

func scanDep(row pgx.Row) (*models.Dependency, error) {
	var d models.Dependency
	err := row.Scan(&d.ID, &d.TenantID, &d.SourceEntityID, &d.TargetEntityID, &d.Type,
		&d.Metadata, &d.Revision, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (s *pgSession) GetDependency(ctx context.Context, id int64) (*models.Dependency, error) {
	d, err := scanDep(s.q.QueryRow(ctx, "SELECT "+depCols+" FROM dependencies WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "dependency", id)
	}
	return d, nil
}

func (s *pgSession) depRows(ctx context.Context, query string, args ...any) ([]models.Dependency, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgMap(err, "dependencies", "list")
	}
	defer rows.Close()
	var out []models.Dependency
	for rows.Next() {
		d, err := scanDep(rows)
		if err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, *d)
	}
	return out, pgMap(rows.Err(), "dependencies", "list")
}

func (s *pgSession) ListDependencies(ctx context.Context, tenantID int64, f DependencyFilter, p Pagination) ([]models.Dependency, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	if f.SourceEntityID != 0 {
		c.add("source_entity_id=$%d", f.SourceEntityID)
	}
	if f.TargetEntityID != 0 {
		c.add("target_entity_id=$%d", f.TargetEntityID)
	}
	if f.Type != "" {
		c.add("dependency_type=$%d", f.Type)
	}
	total, err := pgCount(ctx, s.q, "dependencies", c)
	if err != nil {
		return nil, 0, pgMap(err, "dependencies", "count")
	}
	out, err := s.depRows(ctx, "SELECT "+depCols+" FROM dependencies"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	return out, total, err
}

func (s *pgSession) AllDependencies(ctx context.Context, tenantID int64) ([]models.Dependency, error) {
	return s.depRows(ctx, "SELECT "+depCols+" FROM dependencies WHERE tenant_id=$1 ORDER BY id", tenantID)
}

// ── Identities ───────────────────────────────────────────────

const identityCols = "id, village_id, tenant_id, username, email, identity_type, auth_provider, portal_role, is_active, mfa_enabled, credential_fingerprint, credential_rotated_at, revision, created_at, updated_at"

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var i models.Identity
	err := row.Scan(&i.ID, &i.VillageID, &i.TenantID, &i.Username, &i.Email, &i.Type,
		&i.AuthProvider, &i.PortalRole, &i.IsActive, &i.MFAEnabled,
		&i.CredentialFingerprint, &i.CredentialRotatedAt, &i.Revision, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func (s *pgSession) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	i, err := scanIdentity(s.q.QueryRow(ctx, "SELECT "+identityCols+" FROM identities WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "identity", id)
	}
	return i, nil
}

func (s *pgSession) GetIdentityByUsername(ctx context.Context, tenantID int64, username string) (*models.Identity, error) {
	i, err := scanIdentity(s.q.QueryRow(ctx,
		"SELECT "+identityCols+" FROM identities WHERE tenant_id=$1 AND username=$2", tenantID, username))
	if err != nil {
		return nil, pgMap(err, "identity", username)
	}
	return i, nil
}

func (s *pgSession) ListIdentities(ctx context.Context, tenantID int64, p Pagination) ([]models.Identity, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "identities", c)
	if err != nil {
		return nil, 0, pgMap(err, "identities", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+identityCols+" FROM identities"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "identities", "list")
	}
	defer rows.Close()
	var out []models.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *i)
	}
	return out, total, pgMap(rows.Err(), "identities", "list")
}

// ── Resource roles ───────────────────────────────────────────

const roleCols = "id, tenant_id, identity_id, scope_type, scope_id, role, created_at"

func (s *pgSession) roleRows(ctx context.Context, query string, args ...any) ([]models.ResourceRole, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgMap(err, "resource roles", "list")
	}
	defer rows.Close()
	var out []models.ResourceRole
	for rows.Next() {
		var r models.ResourceRole
		if err := rows.Scan(&r.ID, &r.TenantID, &r.IdentityID, &r.ScopeType, &r.ScopeID, &r.Role, &r.CreatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, r)
	}
	return out, pgMap(rows.Err(), "resource roles", "list")
}

func (s *pgSession) ListRolesByIdentity(ctx context.Context, identityID int64) ([]models.ResourceRole, error) {
	return s.roleRows(ctx, "SELECT "+roleCols+" FROM resource_roles WHERE identity_id=$1 ORDER BY id", identityID)
}

func (s *pgSession) ListRolesByScope(ctx context.Context, scopeType models.ScopeType, scopeID int64) ([]models.ResourceRole, error) {
	return s.roleRows(ctx, "SELECT "+roleCols+" FROM resource_roles WHERE scope_type=$1 AND scope_id=$2 ORDER BY id", scopeType, scopeID)
}

func (s *pgSession) ListRoles(ctx context.Context, tenantID int64, p Pagination) ([]models.ResourceRole, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "resource_roles", c)
	if err != nil {
		return nil, 0, pgMap(err, "resource roles", "count")
	}
	out, err := s.roleRows(ctx, "SELECT "+roleCols+" FROM resource_roles"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	return out, total, err
}

// ── Issues ───────────────────────────────────────────────────

const issueCols = "id, village_id, tenant_id, organization_id, project_id, milestone_id, title, description, status, priority, severity, assignee_id, is_incident, labels, entity_ids, revision, created_at, updated_at"

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var i models.Issue
	err := row.Scan(&i.ID, &i.VillageID, &i.TenantID, &i.OrganizationID, &i.ProjectID, &i.MilestoneID,
		&i.Title, &i.Description, &i.Status, &i.Priority, &i.Severity, &i.AssigneeID,
		&i.IsIncident, &i.Labels, &i.EntityIDs, &i.Revision, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func (s *pgSession) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	i, err := scanIssue(s.q.QueryRow(ctx, "SELECT "+issueCols+" FROM issues WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "issue", id)
	}
	return i, nil
}

func (s *pgSession) ListIssues(ctx context.Context, tenantID int64, f IssueFilter, p Pagination) ([]models.Issue, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	if f.OrganizationID != 0 {
		c.add("organization_id=$%d", f.OrganizationID)
	}
	if f.Status != "" {
		c.add("status=$%d", f.Status)
	}
	if f.AssigneeID != 0 {
		c.add("assignee_id=$%d", f.AssigneeID)
	}
	if f.IsIncident != nil {
		c.add("is_incident=$%d", *f.IsIncident)
	}
	if f.Label != "" {
		c.add("$%d = ANY(labels)", f.Label)
	}
	if f.EntityID != 0 {
		c.add("$%d = ANY(entity_ids)", f.EntityID)
	}
	total, err := pgCount(ctx, s.q, "issues", c)
	if err != nil {
		return nil, 0, pgMap(err, "issues", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+issueCols+" FROM issues"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "issues", "list")
	}
	defer rows.Close()
	var out []models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *i)
	}
	return out, total, pgMap(rows.Err(), "issues", "list")
}

func (s *pgSession) ListIssueComments(ctx context.Context, issueID int64) ([]models.IssueComment, error) {
	rows, err := s.q.Query(ctx,
		"SELECT id, issue_id, author_id, body, created_at FROM issue_comments WHERE issue_id=$1 ORDER BY id", issueID)
	if err != nil {
		return nil, pgMap(err, "issue comments", "list")
	}
	defer rows.Close()
	var out []models.IssueComment
	for rows.Next() {
		var cm models.IssueComment
		if err := rows.Scan(&cm.ID, &cm.IssueID, &cm.AuthorID, &cm.Body, &cm.CreatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, cm)
	}
	return out, pgMap(rows.Err(), "issue comments", "list")
}

// ── On-call ──────────────────────────────────────────────────

const rotationCols = "id, tenant_id, scope_type, scope_id, name, priority, revision, created_at, updated_at"

func (s *pgSession) loadShifts(ctx context.Context, rotations []models.OnCallRotation) error {
	if len(rotations) == 0 {
		return nil
	}
	ids := make([]int64, len(rotations))
	byID := make(map[int64]*models.OnCallRotation, len(rotations))
	for i := range rotations {
		ids[i] = rotations[i].ID
		byID[rotations[i].ID] = &rotations[i]
	}
	rows, err := s.q.Query(ctx,
		"SELECT id, rotation_id, identity_id, shift_start, shift_end FROM oncall_shifts WHERE rotation_id = ANY($1) ORDER BY shift_start, id", ids)
	if err != nil {
		return pgMap(err, "shifts", "list")
	}
	defer rows.Close()
	for rows.Next() {
		var sh models.OnCallShift
		if err := rows.Scan(&sh.ID, &sh.RotationID, &sh.IdentityID, &sh.Start, &sh.End); err != nil {
			return errs.Internal(err)
		}
		if r := byID[sh.RotationID]; r != nil {
			r.Shifts = append(r.Shifts, sh)
		}
	}
	return pgMap(rows.Err(), "shifts", "list")
}

func (s *pgSession) GetRotation(ctx context.Context, id int64) (*models.OnCallRotation, error) {
	var r models.OnCallRotation
	err := s.q.QueryRow(ctx, "SELECT "+rotationCols+" FROM oncall_rotations WHERE id=$1", id).
		Scan(&r.ID, &r.TenantID, &r.ScopeType, &r.ScopeID, &r.Name, &r.Priority, &r.Revision, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, pgMap(err, "rotation", id)
	}
	rs := []models.OnCallRotation{r}
	if err := s.loadShifts(ctx, rs); err != nil {
		return nil, err
	}
	return &rs[0], nil
}

func (s *pgSession) ListRotations(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallRotation, error) {
	rows, err := s.q.Query(ctx,
		"SELECT "+rotationCols+" FROM oncall_rotations WHERE tenant_id=$1 AND scope_type=$2 AND scope_id=$3 ORDER BY priority, id",
		tenantID, scopeType, scopeID)
	if err != nil {
		return nil, pgMap(err, "rotations", "list")
	}
	defer rows.Close()
	var out []models.OnCallRotation
	for rows.Next() {
		var r models.OnCallRotation
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ScopeType, &r.ScopeID, &r.Name, &r.Priority, &r.Revision, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pgMap(err, "rotations", "list")
	}
	if err := s.loadShifts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgSession) ListOverrides(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallOverride, error) {
	rows, err := s.q.Query(ctx,
		"SELECT id, tenant_id, scope_type, scope_id, identity_id, override_start, override_end, reason, created_at FROM oncall_overrides WHERE tenant_id=$1 AND scope_type=$2 AND scope_id=$3 ORDER BY id",
		tenantID, scopeType, scopeID)
	if err != nil {
		return nil, pgMap(err, "overrides", "list")
	}
	defer rows.Close()
	var out []models.OnCallOverride
	for rows.Next() {
		var o models.OnCallOverride
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ScopeType, &o.ScopeID, &o.IdentityID, &o.Start, &o.End, &o.Reason, &o.CreatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, o)
	}
	return out, pgMap(rows.Err(), "overrides", "list")
}

// ── Groups ───────────────────────────────────────────────────

const groupCols = "id, village_id, tenant_id, name, owner_identity_id, owner_ids, approval_mode, approval_threshold, provider, sync_enabled, revision, created_at, updated_at"

func scanGroup(row pgx.Row) (*models.Group, error) {
	var g models.Group
	err := row.Scan(&g.ID, &g.VillageID, &g.TenantID, &g.Name, &g.OwnerIdentityID, &g.OwnerIDs,
		&g.ApprovalMode, &g.ApprovalThreshold, &g.Provider, &g.SyncEnabled, &g.Revision, &g.CreatedAt, &g.UpdatedAt)
	return &g, err
}

func (s *pgSession) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	g, err := scanGroup(s.q.QueryRow(ctx, "SELECT "+groupCols+" FROM groups WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "group", id)
	}
	return g, nil
}

func (s *pgSession) GetGroupByName(ctx context.Context, tenantID int64, name string) (*models.Group, error) {
	g, err := scanGroup(s.q.QueryRow(ctx, "SELECT "+groupCols+" FROM groups WHERE tenant_id=$1 AND name=$2", tenantID, name))
	if err != nil {
		return nil, pgMap(err, "group", name)
	}
	return g, nil
}

func (s *pgSession) ListGroups(ctx context.Context, tenantID int64, p Pagination) ([]models.Group, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "groups", c)
	if err != nil {
		return nil, 0, pgMap(err, "groups", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+groupCols+" FROM groups"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "groups", "list")
	}
	defer rows.Close()
	var out []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *g)
	}
	return out, total, pgMap(rows.Err(), "groups", "list")
}

func (s *pgSession) ListGroupMembers(ctx context.Context, groupID int64) ([]models.GroupMember, error) {
	rows, err := s.q.Query(ctx,
		"SELECT group_id, identity_id, expires_at, added_at FROM group_members WHERE group_id=$1 ORDER BY identity_id", groupID)
	if err != nil {
		return nil, pgMap(err, "group members", "list")
	}
	defer rows.Close()
	var out []models.GroupMember
	for rows.Next() {
		var m models.GroupMember
		if err := rows.Scan(&m.GroupID, &m.IdentityID, &m.ExpiresAt, &m.AddedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, m)
	}
	return out, pgMap(rows.Err(), "group members", "list")
}

const requestCols = "id, tenant_id, group_id, requester_id, reason, state, expires_at, revision, created_at, decided_at"

func scanRequest(row pgx.Row) (*models.AccessRequest, error) {
	var r models.AccessRequest
	err := row.Scan(&r.ID, &r.TenantID, &r.GroupID, &r.RequesterID, &r.Reason, &r.State,
		&r.ExpiresAt, &r.Revision, &r.CreatedAt, &r.DecidedAt)
	return &r, err
}

func (s *pgSession) loadApprovals(ctx context.Context, reqs []models.AccessRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]int64, len(reqs))
	byID := make(map[int64]*models.AccessRequest, len(reqs))
	for i := range reqs {
		ids[i] = reqs[i].ID
		byID[reqs[i].ID] = &reqs[i]
	}
	rows, err := s.q.Query(ctx,
		"SELECT request_id, approver_id, decision, comment, created_at FROM approval_records WHERE request_id = ANY($1) ORDER BY created_at, approver_id", ids)
	if err != nil {
		return pgMap(err, "approvals", "list")
	}
	defer rows.Close()
	for rows.Next() {
		var a models.ApprovalRecord
		if err := rows.Scan(&a.RequestID, &a.ApproverID, &a.Decision, &a.Comment, &a.CreatedAt); err != nil {
			return errs.Internal(err)
		}
		if r := byID[a.RequestID]; r != nil {
			r.Approvals = append(r.Approvals, a)
		}
	}
	return pgMap(rows.Err(), "approvals", "list")
}

func (s *pgSession) GetAccessRequest(ctx context.Context, id int64) (*models.AccessRequest, error) {
	r, err := scanRequest(s.q.QueryRow(ctx, "SELECT "+requestCols+" FROM access_requests WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "access request", id)
	}
	rs := []models.AccessRequest{*r}
	if err := s.loadApprovals(ctx, rs); err != nil {
		return nil, err
	}
	return &rs[0], nil
}

func (s *pgSession) ListAccessRequests(ctx context.Context, groupID int64, state models.RequestState, p Pagination) ([]models.AccessRequest, int64, error) {
	c := &cond{}
	c.add("group_id=$%d", groupID)
	if state != "" {
		c.add("state=$%d", state)
	}
	total, err := pgCount(ctx, s.q, "access_requests", c)
	if err != nil {
		return nil, 0, pgMap(err, "access requests", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+requestCols+" FROM access_requests"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "access requests", "list")
	}
	defer rows.Close()
	var out []models.AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, pgMap(err, "access requests", "list")
	}
	if err := s.loadApprovals(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ── Audit ────────────────────────────────────────────────────

func (s *pgSession) ListAuditRecords(ctx context.Context, f models.AuditFilter, p Pagination) ([]models.AuditRecord, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", f.TenantID)
	if f.PrincipalID != 0 {
		c.add("principal_id=$%d", f.PrincipalID)
	}
	if f.ResourceType != "" {
		c.add("resource_type=$%d", f.ResourceType)
	}
	if f.ResourceID != 0 {
		c.add("resource_id=$%d", f.ResourceID)
	}
	if f.Action != "" {
		c.add("action=$%d", f.Action)
	}
	if f.Since != nil {
		c.add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		c.add("ts <= $%d", *f.Until)
	}
	total, err := pgCount(ctx, s.q, "audit_records", c)
	if err != nil {
		return nil, 0, pgMap(err, "audit records", "count")
	}
	rows, err := s.q.Query(ctx,
		"SELECT id, tenant_id, ts, principal_id, action, resource_type, resource_id, before_hash, after_hash, outcome, correlation_id FROM audit_records"+
			c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "audit records", "list")
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var a models.AuditRecord
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Timestamp, &a.PrincipalID, &a.Action,
			&a.ResourceType, &a.ResourceID, &a.BeforeHash, &a.AfterHash, &a.Outcome, &a.CorrelationID); err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, a)
	}
	return out, total, pgMap(rows.Err(), "audit records", "list")
}

// ── Milestones & projects ────────────────────────────────────

const milestoneCols = "id, village_id, tenant_id, name, description, due_date, closed, revision, created_at, updated_at"

func scanMilestone(row pgx.Row) (*models.Milestone, error) {
	var m models.Milestone
	err := row.Scan(&m.ID, &m.VillageID, &m.TenantID, &m.Name, &m.Description, &m.DueDate,
		&m.Closed, &m.Revision, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (s *pgSession) GetMilestone(ctx context.Context, id int64) (*models.Milestone, error) {
	m, err := scanMilestone(s.q.QueryRow(ctx, "SELECT "+milestoneCols+" FROM milestones WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "milestone", id)
	}
	return m, nil
}

func (s *pgSession) ListMilestones(ctx context.Context, tenantID int64, p Pagination) ([]models.Milestone, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "milestones", c)
	if err != nil {
		return nil, 0, pgMap(err, "milestones", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+milestoneCols+" FROM milestones"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "milestones", "list")
	}
	defer rows.Close()
	var out []models.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *m)
	}
	return out, total, pgMap(rows.Err(), "milestones", "list")
}

const projectCols = "id, village_id, tenant_id, organization_id, name, description, archived, revision, created_at, updated_at"

func scanProject(row pgx.Row) (*models.Project, error) {
	var pr models.Project
	err := row.Scan(&pr.ID, &pr.VillageID, &pr.TenantID, &pr.OrganizationID, &pr.Name,
		&pr.Description, &pr.Archived, &pr.Revision, &pr.CreatedAt, &pr.UpdatedAt)
	return &pr, err
}

func (s *pgSession) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	pr, err := scanProject(s.q.QueryRow(ctx, "SELECT "+projectCols+" FROM projects WHERE id=$1", id))
	if err != nil {
		return nil, pgMap(err, "project", id)
	}
	return pr, nil
}

func (s *pgSession) ListProjects(ctx context.Context, tenantID int64, p Pagination) ([]models.Project, int64, error) {
	c := &cond{}
	c.add("tenant_id=$%d", tenantID)
	total, err := pgCount(ctx, s.q, "projects", c)
	if err != nil {
		return nil, 0, pgMap(err, "projects", "count")
	}
	rows, err := s.q.Query(ctx, "SELECT "+projectCols+" FROM projects"+c.where()+" ORDER BY id"+c.window(p), c.args...)
	if err != nil {
		return nil, 0, pgMap(err, "projects", "list")
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, 0, errs.Internal(err)
		}
		out = append(out, *pr)
	}
	return out, total, pgMap(rows.Err(), "projects", "list")
}

// ── Village-ID ───────────────────────────────────────────────

func (s *pgSession) GetVillageLookup(ctx context.Context, villageID string) (*models.VillageLookup, error) {
	var l models.VillageLookup
	err := s.q.QueryRow(ctx,
		"SELECT village_id, kind, resource_id, tenant_id FROM village_lookup WHERE village_id=$1",
		strings.ToLower(villageID)).Scan(&l.VillageID, &l.Kind, &l.ResourceID, &l.TenantID)
	if err != nil {
		return nil, pgMap(err, "village id", villageID)
	}
	return &l, nil
}

// ── Tokens ───────────────────────────────────────────────────

const tokenCols = "id, tenant_id, identity_id, kind, fingerprint, name, expires_at, created_at, last_used_at"

func scanToken(row pgx.Row) (*models.APIToken, error) {
	var t models.APIToken
	err := row.Scan(&t.ID, &t.TenantID, &t.IdentityID, &t.Kind, &t.Fingerprint, &t.Name,
		&t.ExpiresAt, &t.CreatedAt, &t.LastUsedAt)
	return &t, err
}

func (s *pgSession) GetTokenByFingerprint(ctx context.Context, fingerprint string) (*models.APIToken, error) {
	t, err := scanToken(s.q.QueryRow(ctx, "SELECT "+tokenCols+" FROM api_tokens WHERE fingerprint=$1", fingerprint))
	if err != nil {
		return nil, pgMap(err, "token", "fingerprint")
	}
	return t, nil
}

func (s *pgSession) ListTokensByIdentity(ctx context.Context, identityID int64) ([]models.APIToken, error) {
	rows, err := s.q.Query(ctx, "SELECT "+tokenCols+" FROM api_tokens WHERE identity_id=$1 ORDER BY id", identityID)
	if err != nil {
		return nil, pgMap(err, "tokens", "list")
	}
	defer rows.Close()
	var out []models.APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, *t)
	}
	return out, pgMap(rows.Err(), "tokens", "list")
}
