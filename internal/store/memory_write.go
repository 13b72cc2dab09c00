package store

import (
	"context"
	"strings"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// ── Tenants ──────────────────────────────────────────────────

func (c *memCore) InsertTenant(ctx context.Context, t *models.Tenant) error {
	t.VillageCode = strings.ToLower(t.VillageCode)
	for _, ex := range c.tenants {
		if ex.VillageCode == t.VillageCode {
			return errs.Conflict(errs.ReasonUnique, "tenant code %q already exists", t.VillageCode)
		}
		if ex.Name == t.Name {
			return errs.Conflict(errs.ReasonUnique, "tenant name %q already exists", t.Name)
		}
	}
	t.ID = c.id()
	t.Revision = 1
	t.CreatedAt = nowUTC()
	t.UpdatedAt = t.CreatedAt
	c.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (c *memCore) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	cur, ok := c.tenants[t.ID]
	if !ok {
		return errs.NotFound("tenant", t.ID)
	}
	if cur.Revision != t.Revision {
		return errs.Stale("tenant", t.ID)
	}
	t.Revision++
	t.UpdatedAt = nowUTC()
	c.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (c *memCore) DeleteTenant(ctx context.Context, id int64) error {
	if _, ok := c.tenants[id]; !ok {
		return errs.NotFound("tenant", id)
	}
	for _, o := range c.orgs {
		if o.TenantID == id {
			return errs.Conflict(errs.ReasonForeignKey, "tenant %d still owns organizations", id)
		}
	}
	delete(c.tenants, id)
	return nil
}

// ── Organizations ────────────────────────────────────────────

func (c *memCore) checkOrgUnique(o *models.Organization) error {
	for _, ex := range c.orgs {
		if ex.ID == o.ID || ex.TenantID != o.TenantID || ex.Name != o.Name {
			continue
		}
		sameParent := (ex.ParentID == nil && o.ParentID == nil) ||
			(ex.ParentID != nil && o.ParentID != nil && *ex.ParentID == *o.ParentID)
		if sameParent {
			return errs.Conflict(errs.ReasonUnique, "organization %q already exists under this parent", o.Name)
		}
	}
	return nil
}

func (c *memCore) checkOrgRefs(o *models.Organization) error {
	if _, ok := c.tenants[o.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", o.TenantID)
	}
	if o.ParentID != nil {
		parent, ok := c.orgs[*o.ParentID]
		if !ok {
			return errs.Conflict(errs.ReasonForeignKey, "parent organization %d does not exist", *o.ParentID)
		}
		if parent.TenantID != o.TenantID {
			return errs.Conflict(errs.ReasonForeignKey, "parent organization belongs to another tenant")
		}
	}
	return nil
}

func (c *memCore) InsertOrganization(ctx context.Context, o *models.Organization) error {
	if err := c.checkOrgRefs(o); err != nil {
		return err
	}
	if err := c.checkOrgUnique(o); err != nil {
		return err
	}
	o.ID = c.id()
	o.Revision = 1
	o.CreatedAt = nowUTC()
	o.UpdatedAt = o.CreatedAt
	c.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (c *memCore) UpdateOrganization(ctx context.Context, o *models.Organization) error {
	cur, ok := c.orgs[o.ID]
	if !ok {
		return errs.NotFound("organization", o.ID)
	}
	if cur.Revision != o.Revision {
		return errs.Stale("organization", o.ID)
	}
	if err := c.checkOrgRefs(o); err != nil {
		return err
	}
	if err := c.checkOrgUnique(o); err != nil {
		return err
	}
	o.Revision++
	o.UpdatedAt = nowUTC()
	c.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (c *memCore) DeleteOrganization(ctx context.Context, id int64) error {
	if _, ok := c.orgs[id]; !ok {
		return errs.NotFound("organization", id)
	}
	for _, o := range c.orgs {
		if o.ParentID != nil && *o.ParentID == id {
			return errs.Conflict(errs.ReasonForeignKey, "organization %d still has children", id)
		}
	}
	for _, e := range c.entities {
		if e.OrganizationID == id {
			return errs.Conflict(errs.ReasonForeignKey, "organization %d still owns entities", id)
		}
	}
	delete(c.orgs, id)
	return nil
}

// ── Entities ─────────────────────────────────────────────────

func (c *memCore) checkEntityUnique(e *models.Entity) error {
	for _, ex := range c.entities {
		if ex.ID != e.ID && ex.OrganizationID == e.OrganizationID && ex.Type == e.Type && ex.Name == e.Name {
			return errs.Conflict(errs.ReasonUnique, "%s %q already exists in organization %d", e.Type, e.Name, e.OrganizationID)
		}
	}
	return nil
}

func (c *memCore) InsertEntity(ctx context.Context, e *models.Entity) error {
	org, ok := c.orgs[e.OrganizationID]
	if !ok {
		return errs.Conflict(errs.ReasonForeignKey, "organization %d does not exist", e.OrganizationID)
	}
	if org.TenantID != e.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "organization belongs to another tenant")
	}
	if err := c.checkEntityUnique(e); err != nil {
		return err
	}
	e.ID = c.id()
	e.Revision = 1
	e.CreatedAt = nowUTC()
	e.UpdatedAt = e.CreatedAt
	c.entities[e.ID] = cloneEntity(e)
	return nil
}

func (c *memCore) UpdateEntity(ctx context.Context, e *models.Entity) error {
	cur, ok := c.entities[e.ID]
	if !ok {
		return errs.NotFound("entity", e.ID)
	}
	if cur.Revision != e.Revision {
		return errs.Stale("entity", e.ID)
	}
	org, ok := c.orgs[e.OrganizationID]
	if !ok {
		return errs.Conflict(errs.ReasonForeignKey, "organization %d does not exist", e.OrganizationID)
	}
	if org.TenantID != e.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "organization belongs to another tenant")
	}
	if err := c.checkEntityUnique(e); err != nil {
		return err
	}
	e.Revision++
	e.UpdatedAt = nowUTC()
	c.entities[e.ID] = cloneEntity(e)
	return nil
}

func (c *memCore) DeleteEntity(ctx context.Context, id int64) error {
	if _, ok := c.entities[id]; !ok {
		return errs.NotFound("entity", id)
	}
	for _, d := range c.deps {
		if d.SourceEntityID == id || d.TargetEntityID == id {
			return errs.Conflict(errs.ReasonForeignKey, "entity %d still has dependencies", id)
		}
	}
	delete(c.entities, id)
	return nil
}

// ── Dependencies ─────────────────────────────────────────────

func (c *memCore) InsertDependency(ctx context.Context, d *models.Dependency) error {
	if d.SourceEntityID == d.TargetEntityID {
		return errs.Validation("dependency endpoints must be distinct")
	}
	src, ok := c.entities[d.SourceEntityID]
	if !ok {
		return errs.Conflict(errs.ReasonForeignKey, "source entity %d does not exist", d.SourceEntityID)
	}
	tgt, ok := c.entities[d.TargetEntityID]
	if !ok {
		return errs.Conflict(errs.ReasonForeignKey, "target entity %d does not exist", d.TargetEntityID)
	}
	if src.TenantID != tgt.TenantID || src.TenantID != d.TenantID {
		return errs.Conflict(errs.ReasonForeignKey, "dependency endpoints belong to different tenants")
	}
	for _, ex := range c.deps {
		if ex.SourceEntityID == d.SourceEntityID && ex.TargetEntityID == d.TargetEntityID && ex.Type == d.Type {
			return errs.Conflict(errs.ReasonUnique, "dependency (%d, %d, %s) already exists", d.SourceEntityID, d.TargetEntityID, d.Type)
		}
	}
	d.ID = c.id()
	d.Revision = 1
	d.CreatedAt = nowUTC()
	d.UpdatedAt = d.CreatedAt
	c.deps[d.ID] = cloneDep(d)
	return nil
}

func (c *memCore) UpdateDependency(ctx context.Context, d *models.Dependency) error {
	cur, ok := c.deps[d.ID]
	if !ok {
		return errs.NotFound("dependency", d.ID)
	}
	if cur.Revision != d.Revision {
		return errs.Stale("dependency", d.ID)
	}
	d.Revision++
	d.UpdatedAt = nowUTC()
	c.deps[d.ID] = cloneDep(d)
	return nil
}

func (c *memCore) DeleteDependency(ctx context.Context, id int64) error {
	if _, ok := c.deps[id]; !ok {
		return errs.NotFound("dependency", id)
	}
	delete(c.deps, id)
	return nil
}

// ── Identities ───────────────────────────────────────────────

func (c *memCore) InsertIdentity(ctx context.Context, i *models.Identity) error {
	if _, ok := c.tenants[i.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", i.TenantID)
	}
	for _, ex := range c.identities {
		if ex.TenantID == i.TenantID && ex.Username == i.Username {
			return errs.Conflict(errs.ReasonUnique, "username %q already exists", i.Username)
		}
	}
	i.ID = c.id()
	i.Revision = 1
	i.CreatedAt = nowUTC()
	i.UpdatedAt = i.CreatedAt
	c.identities[i.ID] = cloneIdentity(i)
	return nil
}

func (c *memCore) UpdateIdentity(ctx context.Context, i *models.Identity) error {
	cur, ok := c.identities[i.ID]
	if !ok {
		return errs.NotFound("identity", i.ID)
	}
	if cur.Revision != i.Revision {
		return errs.Stale("identity", i.ID)
	}
	i.Revision++
	i.UpdatedAt = nowUTC()
	c.identities[i.ID] = cloneIdentity(i)
	return nil
}

func (c *memCore) DeleteIdentity(ctx context.Context, id int64) error {
	if _, ok := c.identities[id]; !ok {
		return errs.NotFound("identity", id)
	}
	delete(c.identities, id)
	for rid, r := range c.roles {
		if r.IdentityID == id {
			delete(c.roles, rid)
		}
	}
	return nil
}

// ── Resource roles ───────────────────────────────────────────

func (c *memCore) UpsertRole(ctx context.Context, r *models.ResourceRole) error {
	if _, ok := c.identities[r.IdentityID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "identity %d does not exist", r.IdentityID)
	}
	for _, ex := range c.roles {
		if ex.IdentityID == r.IdentityID && ex.ScopeType == r.ScopeType && ex.ScopeID == r.ScopeID {
			ex.Role = r.Role
			r.ID = ex.ID
			r.CreatedAt = ex.CreatedAt
			return nil
		}
	}
	r.ID = c.id()
	r.CreatedAt = nowUTC()
	cp := *r
	c.roles[r.ID] = &cp
	return nil
}

func (c *memCore) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := c.roles[id]; !ok {
		return errs.NotFound("resource role", id)
	}
	delete(c.roles, id)
	return nil
}

// ── Issues ───────────────────────────────────────────────────

func (c *memCore) InsertIssue(ctx context.Context, i *models.Issue) error {
	if _, ok := c.tenants[i.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", i.TenantID)
	}
	if i.OrganizationID != nil {
		org, ok := c.orgs[*i.OrganizationID]
		if !ok || org.TenantID != i.TenantID {
			return errs.Conflict(errs.ReasonForeignKey, "organization %d does not exist in tenant", *i.OrganizationID)
		}
	}
	for _, eid := range i.EntityIDs {
		e, ok := c.entities[eid]
		if !ok || e.TenantID != i.TenantID {
			return errs.Conflict(errs.ReasonForeignKey, "linked entity %d does not exist in tenant", eid)
		}
	}
	i.ID = c.id()
	i.Revision = 1
	i.CreatedAt = nowUTC()
	i.UpdatedAt = i.CreatedAt
	c.issues[i.ID] = cloneIssue(i)
	return nil
}

func (c *memCore) UpdateIssue(ctx context.Context, i *models.Issue) error {
	cur, ok := c.issues[i.ID]
	if !ok {
		return errs.NotFound("issue", i.ID)
	}
	if cur.Revision != i.Revision {
		return errs.Stale("issue", i.ID)
	}
	for _, eid := range i.EntityIDs {
		e, ok := c.entities[eid]
		if !ok || e.TenantID != i.TenantID {
			return errs.Conflict(errs.ReasonForeignKey, "linked entity %d does not exist in tenant", eid)
		}
	}
	i.Revision++
	i.UpdatedAt = nowUTC()
	c.issues[i.ID] = cloneIssue(i)
	return nil
}

func (c *memCore) DeleteIssue(ctx context.Context, id int64) error {
	if _, ok := c.issues[id]; !ok {
		return errs.NotFound("issue", id)
	}
	delete(c.issues, id)
	delete(c.comments, id)
	return nil
}

func (c *memCore) InsertIssueComment(ctx context.Context, cm *models.IssueComment) error {
	if _, ok := c.issues[cm.IssueID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "issue %d does not exist", cm.IssueID)
	}
	cm.ID = c.id()
	cm.CreatedAt = nowUTC()
	cp := *cm
	c.comments[cm.IssueID] = append(c.comments[cm.IssueID], &cp)
	return nil
}

// ── On-call ──────────────────────────────────────────────────

func (c *memCore) InsertRotation(ctx context.Context, r *models.OnCallRotation) error {
	if _, ok := c.tenants[r.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", r.TenantID)
	}
	r.ID = c.id()
	for i := range r.Shifts {
		r.Shifts[i].ID = c.id()
		r.Shifts[i].RotationID = r.ID
	}
	r.Revision = 1
	r.CreatedAt = nowUTC()
	r.UpdatedAt = r.CreatedAt
	c.rotations[r.ID] = cloneRotation(r)
	return nil
}

func (c *memCore) UpdateRotation(ctx context.Context, r *models.OnCallRotation) error {
	cur, ok := c.rotations[r.ID]
	if !ok {
		return errs.NotFound("rotation", r.ID)
	}
	if cur.Revision != r.Revision {
		return errs.Stale("rotation", r.ID)
	}
	for i := range r.Shifts {
		if r.Shifts[i].ID == 0 {
			r.Shifts[i].ID = c.id()
		}
		r.Shifts[i].RotationID = r.ID
	}
	r.Revision++
	r.UpdatedAt = nowUTC()
	c.rotations[r.ID] = cloneRotation(r)
	return nil
}

func (c *memCore) DeleteRotation(ctx context.Context, id int64) error {
	if _, ok := c.rotations[id]; !ok {
		return errs.NotFound("rotation", id)
	}
	delete(c.rotations, id)
	return nil
}

func (c *memCore) InsertOverride(ctx context.Context, o *models.OnCallOverride) error {
	if _, ok := c.tenants[o.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", o.TenantID)
	}
	o.ID = c.id()
	o.CreatedAt = nowUTC()
	cp := *o
	c.overrides[o.ID] = &cp
	return nil
}

func (c *memCore) DeleteOverride(ctx context.Context, id int64) error {
	if _, ok := c.overrides[id]; !ok {
		return errs.NotFound("override", id)
	}
	delete(c.overrides, id)
	return nil
}

// ── Groups ───────────────────────────────────────────────────

func (c *memCore) InsertGroup(ctx context.Context, g *models.Group) error {
	if _, ok := c.tenants[g.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", g.TenantID)
	}
	for _, ex := range c.groups {
		if ex.TenantID == g.TenantID && ex.Name == g.Name {
			return errs.Conflict(errs.ReasonUnique, "group %q already exists", g.Name)
		}
	}
	g.ID = c.id()
	g.Revision = 1
	g.CreatedAt = nowUTC()
	g.UpdatedAt = g.CreatedAt
	c.groups[g.ID] = cloneGroup(g)
	return nil
}

func (c *memCore) UpdateGroup(ctx context.Context, g *models.Group) error {
	cur, ok := c.groups[g.ID]
	if !ok {
		return errs.NotFound("group", g.ID)
	}
	if cur.Revision != g.Revision {
		return errs.Stale("group", g.ID)
	}
	g.Revision++
	g.UpdatedAt = nowUTC()
	c.groups[g.ID] = cloneGroup(g)
	return nil
}

func (c *memCore) DeleteGroup(ctx context.Context, id int64) error {
	if _, ok := c.groups[id]; !ok {
		return errs.NotFound("group", id)
	}
	delete(c.groups, id)
	delete(c.members, id)
	for rid, r := range c.requests {
		if r.GroupID == id {
			delete(c.requests, rid)
		}
	}
	return nil
}

func (c *memCore) AddGroupMember(ctx context.Context, m *models.GroupMember) error {
	if _, ok := c.groups[m.GroupID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "group %d does not exist", m.GroupID)
	}
	for _, ex := range c.members[m.GroupID] {
		if ex.IdentityID == m.IdentityID {
			return errs.Conflict(errs.ReasonUnique, "identity %d is already a member", m.IdentityID)
		}
	}
	m.AddedAt = nowUTC()
	cp := *m
	c.members[m.GroupID] = append(c.members[m.GroupID], &cp)
	return nil
}

func (c *memCore) RemoveGroupMember(ctx context.Context, groupID, identityID int64) error {
	list := c.members[groupID]
	for i, m := range list {
		if m.IdentityID == identityID {
			c.members[groupID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errs.NotFound("group member", identityID)
}

func (c *memCore) InsertAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	if _, ok := c.groups[r.GroupID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "group %d does not exist", r.GroupID)
	}
	r.ID = c.id()
	r.Revision = 1
	r.CreatedAt = nowUTC()
	c.requests[r.ID] = cloneRequest(r)
	return nil
}

func (c *memCore) UpdateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	cur, ok := c.requests[r.ID]
	if !ok {
		return errs.NotFound("access request", r.ID)
	}
	if cur.Revision != r.Revision {
		return errs.Stale("access request", r.ID)
	}
	r.Revision++
	c.requests[r.ID] = cloneRequest(r)
	return nil
}

func (c *memCore) UpsertApproval(ctx context.Context, a *models.ApprovalRecord) error {
	r, ok := c.requests[a.RequestID]
	if !ok {
		return errs.NotFound("access request", a.RequestID)
	}
	a.CreatedAt = nowUTC()
	for i, ex := range r.Approvals {
		if ex.ApproverID == a.ApproverID {
			r.Approvals[i] = *a
			return nil
		}
	}
	r.Approvals = append(r.Approvals, *a)
	return nil
}

// ── Audit ────────────────────────────────────────────────────

func (c *memCore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	rec.ID = c.id()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = nowUTC()
	}
	cp := *rec
	c.audits = append(c.audits, &cp)
	return nil
}

func (c *memCore) PurgeAudit(ctx context.Context, tenantID int64, before time.Time) (int64, error) {
	var kept []*models.AuditRecord
	var purged int64
	for _, a := range c.audits {
		if a.TenantID == tenantID && a.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, a)
	}
	c.audits = kept
	return purged, nil
}

// ── Milestones & projects ────────────────────────────────────

func (c *memCore) InsertMilestone(ctx context.Context, m *models.Milestone) error {
	if _, ok := c.tenants[m.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", m.TenantID)
	}
	for _, ex := range c.milestones {
		if ex.TenantID == m.TenantID && ex.Name == m.Name {
			return errs.Conflict(errs.ReasonUnique, "milestone %q already exists", m.Name)
		}
	}
	m.ID = c.id()
	m.Revision = 1
	m.CreatedAt = nowUTC()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	c.milestones[m.ID] = &cp
	return nil
}

func (c *memCore) UpdateMilestone(ctx context.Context, m *models.Milestone) error {
	cur, ok := c.milestones[m.ID]
	if !ok {
		return errs.NotFound("milestone", m.ID)
	}
	if cur.Revision != m.Revision {
		return errs.Stale("milestone", m.ID)
	}
	m.Revision++
	m.UpdatedAt = nowUTC()
	cp := *m
	c.milestones[m.ID] = &cp
	return nil
}

func (c *memCore) DeleteMilestone(ctx context.Context, id int64) error {
	if _, ok := c.milestones[id]; !ok {
		return errs.NotFound("milestone", id)
	}
	delete(c.milestones, id)
	return nil
}

func (c *memCore) InsertProject(ctx context.Context, pr *models.Project) error {
	if _, ok := c.tenants[pr.TenantID]; !ok {
		return errs.Conflict(errs.ReasonForeignKey, "tenant %d does not exist", pr.TenantID)
	}
	for _, ex := range c.projects {
		if ex.TenantID == pr.TenantID && ex.Name == pr.Name {
			return errs.Conflict(errs.ReasonUnique, "project %q already exists", pr.Name)
		}
	}
	pr.ID = c.id()
	pr.Revision = 1
	pr.CreatedAt = nowUTC()
	pr.UpdatedAt = pr.CreatedAt
	cp := *pr
	c.projects[pr.ID] = &cp
	return nil
}

func (c *memCore) UpdateProject(ctx context.Context, pr *models.Project) error {
	cur, ok := c.projects[pr.ID]
	if !ok {
		return errs.NotFound("project", pr.ID)
	}
	if cur.Revision != pr.Revision {
		return errs.Stale("project", pr.ID)
	}
	pr.Revision++
	pr.UpdatedAt = nowUTC()
	cp := *pr
	c.projects[pr.ID] = &cp
	return nil
}

func (c *memCore) DeleteProject(ctx context.Context, id int64) error {
	if _, ok := c.projects[id]; !ok {
		return errs.NotFound("project", id)
	}
	delete(c.projects, id)
	return nil
}

// ── Village-ID ───────────────────────────────────────────────

func (c *memCore) NextVillageCounter(ctx context.Context, tenantID, orgID int64) (uint32, error) {
	key := counterKey(tenantID, orgID)
	c.counters[key]++
	return c.counters[key], nil
}

func (c *memCore) PutVillageLookup(ctx context.Context, l *models.VillageLookup) error {
	key := strings.ToLower(l.VillageID)
	if _, ok := c.lookups[key]; ok {
		return errs.Conflict(errs.ReasonUnique, "village id %s already allocated", l.VillageID)
	}
	cp := *l
	cp.VillageID = key
	c.lookups[key] = &cp
	return nil
}

// ── Tokens ───────────────────────────────────────────────────

func (c *memCore) InsertToken(ctx context.Context, t *models.APIToken) error {
	for _, ex := range c.tokens {
		if ex.Fingerprint == t.Fingerprint {
			return errs.Conflict(errs.ReasonUnique, "token fingerprint already exists")
		}
	}
	t.ID = c.id()
	t.CreatedAt = nowUTC()
	cp := *t
	c.tokens[t.ID] = &cp
	return nil
}

func (c *memCore) TouchToken(ctx context.Context, id int64, usedAt time.Time) error {
	t, ok := c.tokens[id]
	if !ok {
		return errs.NotFound("token", id)
	}
	t.LastUsedAt = &usedAt
	return nil
}

func (c *memCore) DeleteToken(ctx context.Context, id int64) error {
	if _, ok := c.tokens[id]; !ok {
		return errs.NotFound("token", id)
	}
	delete(c.tokens, id)
	return nil
}
