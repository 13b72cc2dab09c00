package store

import (
	"context"
	"strings"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// casResult resolves a zero-row CAS update into stale vs. missing.
func (s *pgSession) casResult(ctx context.Context, table, resource string, id int64) error {
	var exists bool
	err := s.q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id=$1)", id).Scan(&exists)
	if err != nil {
		return pgMap(err, resource, id)
	}
	if !exists {
		return errs.NotFound(resource, id)
	}
	return errs.Stale(resource, id)
}

// ── Tenants ──────────────────────────────────────────────────

func (s *pgSession) InsertTenant(ctx context.Context, t *models.Tenant) error {
	t.VillageCode = strings.ToLower(t.VillageCode)
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		"INSERT INTO tenants (village_code, name, is_active, revision, created_at, updated_at) VALUES ($1,$2,$3,1,$4,$4) RETURNING id",
		t.VillageCode, t.Name, t.IsActive, now).Scan(&t.ID)
	if err != nil {
		return pgMap(err, "tenant", t.Name)
	}
	t.Revision = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		"UPDATE tenants SET name=$1, is_active=$2, revision=revision+1, updated_at=$3 WHERE id=$4 AND revision=$5",
		t.Name, t.IsActive, now, t.ID, t.Revision)
	if err != nil {
		return pgMap(err, "tenant", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "tenants", "tenant", t.ID)
	}
	t.Revision++
	t.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteTenant(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM tenants WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "tenant", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("tenant", id)
	}
	return nil
}

// ── Organizations ────────────────────────────────────────────

// checkParentTenant rejects parents from another tenant; the schema's
// foreign key cannot express the tenant-equality constraint.
func (s *pgSession) checkParentTenant(ctx context.Context, o *models.Organization) error {
	if o.ParentID == nil {
		return nil
	}
	var parentTenant int64
	err := s.q.QueryRow(ctx, "SELECT tenant_id FROM organizations WHERE id=$1", *o.ParentID).Scan(&parentTenant)
	if err != nil {
		return errs.Conflict(errs.ReasonForeignKey, "parent organization %d does not exist", *o.ParentID)
	}
	if parentTenant != o.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "parent organization belongs to another tenant")
	}
	return nil
}

func (s *pgSession) InsertOrganization(ctx context.Context, o *models.Organization) error {
	if err := s.checkParentTenant(ctx, o); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO organizations (village_id, tenant_id, parent_id, name, org_type, owner_identity_id, owner_group_id, ldap_dn, saml_group, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10) RETURNING id`,
		o.VillageID, o.TenantID, o.ParentID, o.Name, o.Type, o.OwnerIdentityID, o.OwnerGroupID,
		o.LDAPDN, o.SAMLGroup, now).Scan(&o.ID)
	if err != nil {
		return pgMap(err, "organization", o.Name)
	}
	o.Revision = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateOrganization(ctx context.Context, o *models.Organization) error {
	if err := s.checkParentTenant(ctx, o); err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		`UPDATE organizations SET parent_id=$1, name=$2, org_type=$3, owner_identity_id=$4, owner_group_id=$5, ldap_dn=$6, saml_group=$7, revision=revision+1, updated_at=$8
		 WHERE id=$9 AND revision=$10`,
		o.ParentID, o.Name, o.Type, o.OwnerIdentityID, o.OwnerGroupID, o.LDAPDN, o.SAMLGroup,
		now, o.ID, o.Revision)
	if err != nil {
		return pgMap(err, "organization", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "organizations", "organization", o.ID)
	}
	o.Revision++
	o.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteOrganization(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM organizations WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "organization", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("organization", id)
	}
	return nil
}

// ── Entities ─────────────────────────────────────────────────

func (s *pgSession) checkEntityOrg(ctx context.Context, e *models.Entity) error {
	var orgTenant int64
	err := s.q.QueryRow(ctx, "SELECT tenant_id FROM organizations WHERE id=$1", e.OrganizationID).Scan(&orgTenant)
	if err != nil {
		return errs.Conflict(errs.ReasonForeignKey, "organization %d does not exist", e.OrganizationID)
	}
	if orgTenant != e.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "organization belongs to another tenant")
	}
	return nil
}

func (s *pgSession) InsertEntity(ctx context.Context, e *models.Entity) error {
	if err := s.checkEntityOrg(ctx, e); err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.Attributes == nil {
		e.Attributes = models.AttrMap{}
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO entities (village_id, tenant_id, organization_id, entity_type, name, attributes, tags, is_active, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$9) RETURNING id`,
		e.VillageID, e.TenantID, e.OrganizationID, e.Type, e.Name, e.Attributes, e.Tags, e.IsActive, now).Scan(&e.ID)
	if err != nil {
		return pgMap(err, "entity", e.Name)
	}
	e.Revision = 1
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateEntity(ctx context.Context, e *models.Entity) error {
	if err := s.checkEntityOrg(ctx, e); err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.Attributes == nil {
		e.Attributes = models.AttrMap{}
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE entities SET organization_id=$1, entity_type=$2, name=$3, attributes=$4, tags=$5, is_active=$6, revision=revision+1, updated_at=$7
		 WHERE id=$8 AND revision=$9`,
		e.OrganizationID, e.Type, e.Name, e.Attributes, e.Tags, e.IsActive, now, e.ID, e.Revision)
	if err != nil {
		return pgMap(err, "entity", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "entities", "entity", e.ID)
	}
	e.Revision++
	e.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteEntity(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM entities WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "entity", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("entity", id)
	}
	return nil
}

// ── Dependencies ─────────────────────────────────────────────

func (s *pgSession) InsertDependency(ctx context.Context, d *models.Dependency) error {
	if d.SourceEntityID == d.TargetEntityID {
		return errs.Validation("dependency endpoints must be distinct")
	}
	var srcTenant, tgtTenant int64
	if err := s.q.QueryRow(ctx, "SELECT tenant_id FROM entities WHERE id=$1", d.SourceEntityID).Scan(&srcTenant); err != nil {
		return errs.Conflict(errs.ReasonForeignKey, "source entity %d does not exist", d.SourceEntityID)
	}
	if err := s.q.QueryRow(ctx, "SELECT tenant_id FROM entities WHERE id=$1", d.TargetEntityID).Scan(&tgtTenant); err != nil {
		return errs.Conflict(errs.ReasonForeignKey, "target entity %d does not exist", d.TargetEntityID)
	}
	if srcTenant != tgtTenant || srcTenant != d.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "dependency endpoints belong to different tenants")
	}
	now := time.Now().UTC()
	if d.Metadata == nil {
		d.Metadata = models.AttrMap{}
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO dependencies (tenant_id, source_entity_id, target_entity_id, dependency_type, metadata, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,1,$6,$6) RETURNING id`,
		d.TenantID, d.SourceEntityID, d.TargetEntityID, d.Type, d.Metadata, now).Scan(&d.ID)
	if err != nil {
		return pgMap(err, "dependency", d.ID)
	}
	d.Revision = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateDependency(ctx context.Context, d *models.Dependency) error {
	now := time.Now().UTC()
	if d.Metadata == nil {
		d.Metadata = models.AttrMap{}
	}
	tag, err := s.q.Exec(ctx,
		"UPDATE dependencies SET metadata=$1, revision=revision+1, updated_at=$2 WHERE id=$3 AND revision=$4",
		d.Metadata, now, d.ID, d.Revision)
	if err != nil {
		return pgMap(err, "dependency", d.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "dependencies", "dependency", d.ID)
	}
	d.Revision++
	d.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteDependency(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM dependencies WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "dependency", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("dependency", id)
	}
	return nil
}

// ── Identities ───────────────────────────────────────────────

func (s *pgSession) InsertIdentity(ctx context.Context, i *models.Identity) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO identities (village_id, tenant_id, username, email, identity_type, auth_provider, portal_role, is_active, mfa_enabled, credential_fingerprint, credential_rotated_at, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$12) RETURNING id`,
		i.VillageID, i.TenantID, i.Username, i.Email, i.Type, i.AuthProvider, i.PortalRole,
		i.IsActive, i.MFAEnabled, i.CredentialFingerprint, i.CredentialRotatedAt, now).Scan(&i.ID)
	if err != nil {
		return pgMap(err, "identity", i.Username)
	}
	i.Revision = 1
	i.CreatedAt = now
	i.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateIdentity(ctx context.Context, i *models.Identity) error {
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		`UPDATE identities SET username=$1, email=$2, identity_type=$3, auth_provider=$4, portal_role=$5, is_active=$6, mfa_enabled=$7, credential_fingerprint=$8, credential_rotated_at=$9, revision=revision+1, updated_at=$10
		 WHERE id=$11 AND revision=$12`,
		i.Username, i.Email, i.Type, i.AuthProvider, i.PortalRole, i.IsActive, i.MFAEnabled,
		i.CredentialFingerprint, i.CredentialRotatedAt, now, i.ID, i.Revision)
	if err != nil {
		return pgMap(err, "identity", i.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "identities", "identity", i.ID)
	}
	i.Revision++
	i.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteIdentity(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM identities WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "identity", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("identity", id)
	}
	return nil
}

// ── Resource roles ───────────────────────────────────────────

func (s *pgSession) UpsertRole(ctx context.Context, r *models.ResourceRole) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO resource_roles (tenant_id, identity_id, scope_type, scope_id, role)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (identity_id, scope_type, scope_id) DO UPDATE SET role = EXCLUDED.role
		 RETURNING id, created_at`,
		r.TenantID, r.IdentityID, r.ScopeType, r.ScopeID, r.Role).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return pgMap(err, "resource role", r.IdentityID)
	}
	return nil
}

func (s *pgSession) DeleteRole(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM resource_roles WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "resource role", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("resource role", id)
	}
	return nil
}

// ── Issues ───────────────────────────────────────────────────

// checkIssueLinks validates that linked entities exist in the issue's
// tenant; entity_ids is an array column with no foreign key.
func (s *pgSession) checkIssueLinks(ctx context.Context, i *models.Issue) error {
	if len(i.EntityIDs) == 0 {
		return nil
	}
	var n int64
	err := s.q.QueryRow(ctx,
		"SELECT COUNT(*) FROM entities WHERE tenant_id=$1 AND id = ANY($2)", i.TenantID, i.EntityIDs).Scan(&n)
	if err != nil {
		return pgMap(err, "issue", i.ID)
	}
	if n != int64(len(i.EntityIDs)) {
		return errs.Conflict(errs.ReasonForeignKey, "a linked entity does not exist in tenant %d", i.TenantID)
	}
	return nil
}

func (s *pgSession) InsertIssue(ctx context.Context, i *models.Issue) error {
	if i.OrganizationID != nil {
		var orgTenant int64
		if err := s.q.QueryRow(ctx, "SELECT tenant_id FROM organizations WHERE id=$1", *i.OrganizationID).Scan(&orgTenant); err != nil || orgTenant != i.TenantID {
			return errs.Conflict(errs.ReasonForeignKey, "organization %d does not exist in tenant", *i.OrganizationID)
		}
	}
	if err := s.checkIssueLinks(ctx, i); err != nil {
		return err
	}
	now := time.Now().UTC()
	if i.Labels == nil {
		i.Labels = []string{}
	}
	if i.EntityIDs == nil {
		i.EntityIDs = []int64{}
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO issues (village_id, tenant_id, organization_id, project_id, milestone_id, title, description, status, priority, severity, assignee_id, is_incident, labels, entity_ids, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$15) RETURNING id`,
		i.VillageID, i.TenantID, i.OrganizationID, i.ProjectID, i.MilestoneID, i.Title, i.Description,
		i.Status, i.Priority, i.Severity, i.AssigneeID, i.IsIncident, i.Labels, i.EntityIDs, now).Scan(&i.ID)
	if err != nil {
		return pgMap(err, "issue", i.Title)
	}
	i.Revision = 1
	i.CreatedAt = now
	i.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateIssue(ctx context.Context, i *models.Issue) error {
	if err := s.checkIssueLinks(ctx, i); err != nil {
		return err
	}
	now := time.Now().UTC()
	if i.Labels == nil {
		i.Labels = []string{}
	}
	if i.EntityIDs == nil {
		i.EntityIDs = []int64{}
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE issues SET organization_id=$1, project_id=$2, milestone_id=$3, title=$4, description=$5, status=$6, priority=$7, severity=$8, assignee_id=$9, is_incident=$10, labels=$11, entity_ids=$12, revision=revision+1, updated_at=$13
		 WHERE id=$14 AND revision=$15`,
		i.OrganizationID, i.ProjectID, i.MilestoneID, i.Title, i.Description, i.Status, i.Priority,
		i.Severity, i.AssigneeID, i.IsIncident, i.Labels, i.EntityIDs, now, i.ID, i.Revision)
	if err != nil {
		return pgMap(err, "issue", i.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "issues", "issue", i.ID)
	}
	i.Revision++
	i.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteIssue(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM issues WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "issue", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("issue", id)
	}
	return nil
}

func (s *pgSession) InsertIssueComment(ctx context.Context, cm *models.IssueComment) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		"INSERT INTO issue_comments (issue_id, author_id, body, created_at) VALUES ($1,$2,$3,$4) RETURNING id",
		cm.IssueID, cm.AuthorID, cm.Body, now).Scan(&cm.ID)
	if err != nil {
		return pgMap(err, "issue comment", cm.IssueID)
	}
	cm.CreatedAt = now
	return nil
}

// ── On-call ──────────────────────────────────────────────────

func (s *pgSession) insertShifts(ctx context.Context, r *models.OnCallRotation) error {
	for i := range r.Shifts {
		sh := &r.Shifts[i]
		sh.RotationID = r.ID
		err := s.q.QueryRow(ctx,
			"INSERT INTO oncall_shifts (rotation_id, identity_id, shift_start, shift_end) VALUES ($1,$2,$3,$4) RETURNING id",
			sh.RotationID, sh.IdentityID, sh.Start, sh.End).Scan(&sh.ID)
		if err != nil {
			return pgMap(err, "shift", sh.RotationID)
		}
	}
	return nil
}

func (s *pgSession) InsertRotation(ctx context.Context, r *models.OnCallRotation) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO oncall_rotations (tenant_id, scope_type, scope_id, name, priority, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,1,$6,$6) RETURNING id`,
		r.TenantID, r.ScopeType, r.ScopeID, r.Name, r.Priority, now).Scan(&r.ID)
	if err != nil {
		return pgMap(err, "rotation", r.Name)
	}
	if err := s.insertShifts(ctx, r); err != nil {
		return err
	}
	r.Revision = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateRotation(ctx context.Context, r *models.OnCallRotation) error {
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		"UPDATE oncall_rotations SET name=$1, priority=$2, revision=revision+1, updated_at=$3 WHERE id=$4 AND revision=$5",
		r.Name, r.Priority, now, r.ID, r.Revision)
	if err != nil {
		return pgMap(err, "rotation", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "oncall_rotations", "rotation", r.ID)
	}
	// Shifts are replaced wholesale on every rotation update.
	if _, err := s.q.Exec(ctx, "DELETE FROM oncall_shifts WHERE rotation_id=$1", r.ID); err != nil {
		return pgMap(err, "rotation", r.ID)
	}
	if err := s.insertShifts(ctx, r); err != nil {
		return err
	}
	r.Revision++
	r.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteRotation(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM oncall_rotations WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "rotation", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("rotation", id)
	}
	return nil
}

func (s *pgSession) InsertOverride(ctx context.Context, o *models.OnCallOverride) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO oncall_overrides (tenant_id, scope_type, scope_id, identity_id, override_start, override_end, reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		o.TenantID, o.ScopeType, o.ScopeID, o.IdentityID, o.Start, o.End, o.Reason, now).Scan(&o.ID)
	if err != nil {
		return pgMap(err, "override", o.IdentityID)
	}
	o.CreatedAt = now
	return nil
}

func (s *pgSession) DeleteOverride(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM oncall_overrides WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "override", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("override", id)
	}
	return nil
}

// ── Groups ───────────────────────────────────────────────────

func (s *pgSession) InsertGroup(ctx context.Context, g *models.Group) error {
	now := time.Now().UTC()
	if g.OwnerIDs == nil {
		g.OwnerIDs = []int64{}
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO groups (village_id, tenant_id, name, owner_identity_id, owner_ids, approval_mode, approval_threshold, provider, sync_enabled, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10) RETURNING id`,
		g.VillageID, g.TenantID, g.Name, g.OwnerIdentityID, g.OwnerIDs, g.ApprovalMode,
		g.ApprovalThreshold, g.Provider, g.SyncEnabled, now).Scan(&g.ID)
	if err != nil {
		return pgMap(err, "group", g.Name)
	}
	g.Revision = 1
	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateGroup(ctx context.Context, g *models.Group) error {
	now := time.Now().UTC()
	if g.OwnerIDs == nil {
		g.OwnerIDs = []int64{}
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE groups SET name=$1, owner_identity_id=$2, owner_ids=$3, approval_mode=$4, approval_threshold=$5, provider=$6, sync_enabled=$7, revision=revision+1, updated_at=$8
		 WHERE id=$9 AND revision=$10`,
		g.Name, g.OwnerIdentityID, g.OwnerIDs, g.ApprovalMode, g.ApprovalThreshold, g.Provider,
		g.SyncEnabled, now, g.ID, g.Revision)
	if err != nil {
		return pgMap(err, "group", g.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "groups", "group", g.ID)
	}
	g.Revision++
	g.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteGroup(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM groups WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "group", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("group", id)
	}
	return nil
}

func (s *pgSession) AddGroupMember(ctx context.Context, m *models.GroupMember) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx,
		"INSERT INTO group_members (group_id, identity_id, expires_at, added_at) VALUES ($1,$2,$3,$4)",
		m.GroupID, m.IdentityID, m.ExpiresAt, now)
	if err != nil {
		return pgMap(err, "group member", m.IdentityID)
	}
	m.AddedAt = now
	return nil
}

func (s *pgSession) RemoveGroupMember(ctx context.Context, groupID, identityID int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM group_members WHERE group_id=$1 AND identity_id=$2", groupID, identityID)
	if err != nil {
		return pgMap(err, "group member", identityID)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("group member", identityID)
	}
	return nil
}

func (s *pgSession) InsertAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO access_requests (tenant_id, group_id, requester_id, reason, state, expires_at, revision, created_at, decided_at)
		 VALUES ($1,$2,$3,$4,$5,$6,1,$7,$8) RETURNING id`,
		r.TenantID, r.GroupID, r.RequesterID, r.Reason, r.State, r.ExpiresAt, now, r.DecidedAt).Scan(&r.ID)
	if err != nil {
		return pgMap(err, "access request", r.GroupID)
	}
	r.Revision = 1
	r.CreatedAt = now
	return nil
}

func (s *pgSession) UpdateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	tag, err := s.q.Exec(ctx,
		"UPDATE access_requests SET state=$1, expires_at=$2, decided_at=$3, revision=revision+1 WHERE id=$4 AND revision=$5",
		r.State, r.ExpiresAt, r.DecidedAt, r.ID, r.Revision)
	if err != nil {
		return pgMap(err, "access request", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "access_requests", "access request", r.ID)
	}
	r.Revision++
	return nil
}

func (s *pgSession) UpsertApproval(ctx context.Context, a *models.ApprovalRecord) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx,
		`INSERT INTO approval_records (request_id, approver_id, decision, comment, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (request_id, approver_id) DO UPDATE SET decision = EXCLUDED.decision, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`,
		a.RequestID, a.ApproverID, a.Decision, a.Comment, now)
	if err != nil {
		mapped := pgMap(err, "approval", a.RequestID)
		if errs.ReasonOf(mapped) == errs.ReasonForeignKey {
			return errs.NotFound("access request", a.RequestID)
		}
		return mapped
	}
	a.CreatedAt = now
	return nil
}

// ── Audit ────────────────────────────────────────────────────

func (s *pgSession) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO audit_records (tenant_id, ts, principal_id, action, resource_type, resource_id, before_hash, after_hash, outcome, correlation_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		rec.TenantID, rec.Timestamp, rec.PrincipalID, rec.Action, rec.ResourceType, rec.ResourceID,
		rec.BeforeHash, rec.AfterHash, rec.Outcome, rec.CorrelationID).Scan(&rec.ID)
	if err != nil {
		return pgMap(err, "audit record", rec.Action)
	}
	return nil
}

func (s *pgSession) PurgeAudit(ctx context.Context, tenantID int64, before time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, "DELETE FROM audit_records WHERE tenant_id=$1 AND ts < $2", tenantID, before)
	if err != nil {
		return 0, pgMap(err, "audit records", tenantID)
	}
	return tag.RowsAffected(), nil
}

// ── Milestones & projects ────────────────────────────────────

func (s *pgSession) InsertMilestone(ctx context.Context, m *models.Milestone) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO milestones (village_id, tenant_id, name, description, due_date, closed, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,1,$7,$7) RETURNING id`,
		m.VillageID, m.TenantID, m.Name, m.Description, m.DueDate, m.Closed, now).Scan(&m.ID)
	if err != nil {
		return pgMap(err, "milestone", m.Name)
	}
	m.Revision = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateMilestone(ctx context.Context, m *models.Milestone) error {
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		"UPDATE milestones SET name=$1, description=$2, due_date=$3, closed=$4, revision=revision+1, updated_at=$5 WHERE id=$6 AND revision=$7",
		m.Name, m.Description, m.DueDate, m.Closed, now, m.ID, m.Revision)
	if err != nil {
		return pgMap(err, "milestone", m.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "milestones", "milestone", m.ID)
	}
	m.Revision++
	m.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteMilestone(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM milestones WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "milestone", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("milestone", id)
	}
	return nil
}

func (s *pgSession) InsertProject(ctx context.Context, pr *models.Project) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO projects (village_id, tenant_id, organization_id, name, description, archived, revision, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,1,$7,$7) RETURNING id`,
		pr.VillageID, pr.TenantID, pr.OrganizationID, pr.Name, pr.Description, pr.Archived, now).Scan(&pr.ID)
	if err != nil {
		return pgMap(err, "project", pr.Name)
	}
	pr.Revision = 1
	pr.CreatedAt = now
	pr.UpdatedAt = now
	return nil
}

func (s *pgSession) UpdateProject(ctx context.Context, pr *models.Project) error {
	now := time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		"UPDATE projects SET organization_id=$1, name=$2, description=$3, archived=$4, revision=revision+1, updated_at=$5 WHERE id=$6 AND revision=$7",
		pr.OrganizationID, pr.Name, pr.Description, pr.Archived, now, pr.ID, pr.Revision)
	if err != nil {
		return pgMap(err, "project", pr.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.casResult(ctx, "projects", "project", pr.ID)
	}
	pr.Revision++
	pr.UpdatedAt = now
	return nil
}

func (s *pgSession) DeleteProject(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM projects WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "project", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("project", id)
	}
	return nil
}

// ── Village-ID ───────────────────────────────────────────────

func (s *pgSession) NextVillageCounter(ctx context.Context, tenantID, orgID int64) (uint32, error) {
	var counter int64
	err := s.q.QueryRow(ctx,
		`INSERT INTO village_counters (tenant_id, org_id, counter) VALUES ($1,$2,1)
		 ON CONFLICT (tenant_id, org_id) DO UPDATE SET counter = village_counters.counter + 1
		 RETURNING counter`, tenantID, orgID).Scan(&counter)
	if err != nil {
		return 0, pgMap(err, "village counter", tenantID)
	}
	return uint32(counter), nil
}

func (s *pgSession) PutVillageLookup(ctx context.Context, l *models.VillageLookup) error {
	l.VillageID = strings.ToLower(l.VillageID)
	_, err := s.q.Exec(ctx,
		"INSERT INTO village_lookup (village_id, kind, resource_id, tenant_id) VALUES ($1,$2,$3,$4)",
		l.VillageID, l.Kind, l.ResourceID, l.TenantID)
	if err != nil {
		return pgMap(err, "village id", l.VillageID)
	}
	return nil
}

// ── Tokens ───────────────────────────────────────────────────

func (s *pgSession) InsertToken(ctx context.Context, t *models.APIToken) error {
	now := time.Now().UTC()
	err := s.q.QueryRow(ctx,
		`INSERT INTO api_tokens (tenant_id, identity_id, kind, fingerprint, name, expires_at, created_at, last_used_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.TenantID, t.IdentityID, t.Kind, t.Fingerprint, t.Name, t.ExpiresAt, now, t.LastUsedAt).Scan(&t.ID)
	if err != nil {
		return pgMap(err, "token", t.Name)
	}
	t.CreatedAt = now
	return nil
}

func (s *pgSession) TouchToken(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := s.q.Exec(ctx, "UPDATE api_tokens SET last_used_at=$1 WHERE id=$2", usedAt, id)
	if err != nil {
		return pgMap(err, "token", id)
	}
	return nil
}

func (s *pgSession) DeleteToken(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM api_tokens WHERE id=$1", id)
	if err != nil {
		return pgMap(err, "token", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("token", id)
	}
	return nil
}
