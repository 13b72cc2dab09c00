package store

import (
	"context"
	"sort"
	"strings"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// paginate applies an offset/limit window to a slice already in stable
// order. A zero limit means "no limit".
func paginate[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// ── Tenants ──────────────────────────────────────────────────

func (c *memCore) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	t, ok := c.tenants[id]
	if !ok {
		return nil, errs.NotFound("tenant", id)
	}
	return cloneTenant(t), nil
}

func (c *memCore) GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error) {
	code = strings.ToLower(code)
	for _, t := range c.tenants {
		if t.VillageCode == code {
			return cloneTenant(t), nil
		}
	}
	return nil, errs.NotFound("tenant", code)
}

func (c *memCore) ListTenants(ctx context.Context, p Pagination) ([]models.Tenant, int64, error) {
	out := make([]models.Tenant, 0, len(c.tenants))
	for _, t := range c.tenants {
		out = append(out, *cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, p), int64(len(c.tenants)), nil
}

// ── Organizations ────────────────────────────────────────────

func (c *memCore) GetOrganization(ctx context.Context, id int64) (*models.Organization, error) {
	o, ok := c.orgs[id]
	if !ok {
		return nil, errs.NotFound("organization", id)
	}
	return cloneOrg(o), nil
}

func (c *memCore) ListOrganizations(ctx context.Context, tenantID int64, p Pagination) ([]models.Organization, int64, error) {
	var out []models.Organization
	for _, o := range c.orgs {
		if o.TenantID == tenantID {
			out = append(out, *cloneOrg(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) ListOrganizationsByParent(ctx context.Context, tenantID int64, parentID *int64) ([]models.Organization, error) {
	var out []models.Organization
	for _, o := range c.orgs {
		if o.TenantID != tenantID {
			continue
		}
		switch {
		case parentID == nil && o.ParentID == nil:
			out = append(out, *cloneOrg(o))
		case parentID != nil && o.ParentID != nil && *o.ParentID == *parentID:
			out = append(out, *cloneOrg(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *memCore) AllOrganizations(ctx context.Context, tenantID int64) ([]models.Organization, error) {
	var out []models.Organization
	for _, o := range c.orgs {
		if o.TenantID == tenantID {
			out = append(out, *cloneOrg(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Entities ─────────────────────────────────────────────────

func (c *memCore) GetEntity(ctx context.Context, id int64) (*models.Entity, error) {
	e, ok := c.entities[id]
	if !ok {
		return nil, errs.NotFound("entity", id)
	}
	return cloneEntity(e), nil
}

func matchEntity(e *models.Entity, f EntityFilter) bool {
	if f.OrganizationID != 0 && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if f.IsActive != nil && e.IsActive != *f.IsActive {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range e.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *memCore) ListEntities(ctx context.Context, tenantID int64, f EntityFilter, p Pagination) ([]models.Entity, int64, error) {
	var out []models.Entity
	for _, e := range c.entities {
		if e.TenantID == tenantID && matchEntity(e, f) {
			out = append(out, *cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) AllEntities(ctx context.Context, tenantID int64) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range c.entities {
		if e.TenantID == tenantID {
			out = append(out, *cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Dependencies ─────────────────────────────────────────────

func (c *memCore) GetDependency(ctx context.Context, id int64) (*models.Dependency, error) {
	d, ok := c.deps[id]
	if !ok {
		return nil, errs.NotFound("dependency", id)
	}
	return cloneDep(d), nil
}

func matchDep(d *models.Dependency, f DependencyFilter) bool {
	if f.SourceEntityID != 0 && d.SourceEntityID != f.SourceEntityID {
		return false
	}
	if f.TargetEntityID != 0 && d.TargetEntityID != f.TargetEntityID {
		return false
	}
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	return true
}

func (c *memCore) ListDependencies(ctx context.Context, tenantID int64, f DependencyFilter, p Pagination) ([]models.Dependency, int64, error) {
	var out []models.Dependency
	for _, d := range c.deps {
		if d.TenantID == tenantID && matchDep(d, f) {
			out = append(out, *cloneDep(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) AllDependencies(ctx context.Context, tenantID int64) ([]models.Dependency, error) {
	var out []models.Dependency
	for _, d := range c.deps {
		if d.TenantID == tenantID {
			out = append(out, *cloneDep(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Identities ───────────────────────────────────────────────

func (c *memCore) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	i, ok := c.identities[id]
	if !ok {
		return nil, errs.NotFound("identity", id)
	}
	return cloneIdentity(i), nil
}

func (c *memCore) GetIdentityByUsername(ctx context.Context, tenantID int64, username string) (*models.Identity, error) {
	for _, i := range c.identities {
		if i.TenantID == tenantID && i.Username == username {
			return cloneIdentity(i), nil
		}
	}
	return nil, errs.NotFound("identity", username)
}

func (c *memCore) ListIdentities(ctx context.Context, tenantID int64, p Pagination) ([]models.Identity, int64, error) {
	var out []models.Identity
	for _, i := range c.identities {
		if i.TenantID == tenantID {
			out = append(out, *cloneIdentity(i))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

// ── Resource roles ───────────────────────────────────────────

func (c *memCore) ListRolesByIdentity(ctx context.Context, identityID int64) ([]models.ResourceRole, error) {
	var out []models.ResourceRole
	for _, r := range c.roles {
		if r.IdentityID == identityID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *memCore) ListRolesByScope(ctx context.Context, scopeType models.ScopeType, scopeID int64) ([]models.ResourceRole, error) {
	var out []models.ResourceRole
	for _, r := range c.roles {
		if r.ScopeType == scopeType && r.ScopeID == scopeID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *memCore) ListRoles(ctx context.Context, tenantID int64, p Pagination) ([]models.ResourceRole, int64, error) {
	var out []models.ResourceRole
	for _, r := range c.roles {
		if r.TenantID == tenantID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

// ── Issues ───────────────────────────────────────────────────

func (c *memCore) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	i, ok := c.issues[id]
	if !ok {
		return nil, errs.NotFound("issue", id)
	}
	return cloneIssue(i), nil
}

func matchIssue(i *models.Issue, f IssueFilter) bool {
	if f.OrganizationID != 0 && (i.OrganizationID == nil || *i.OrganizationID != f.OrganizationID) {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.AssigneeID != 0 && (i.AssigneeID == nil || *i.AssigneeID != f.AssigneeID) {
		return false
	}
	if f.IsIncident != nil && i.IsIncident != *f.IsIncident {
		return false
	}
	if f.Label != "" {
		found := false
		for _, l := range i.Labels {
			if l == f.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EntityID != 0 {
		found := false
		for _, id := range i.EntityIDs {
			if id == f.EntityID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *memCore) ListIssues(ctx context.Context, tenantID int64, f IssueFilter, p Pagination) ([]models.Issue, int64, error) {
	var out []models.Issue
	for _, i := range c.issues {
		if i.TenantID == tenantID && matchIssue(i, f) {
			out = append(out, *cloneIssue(i))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) ListIssueComments(ctx context.Context, issueID int64) ([]models.IssueComment, error) {
	list := c.comments[issueID]
	out := make([]models.IssueComment, len(list))
	for i, cm := range list {
		out[i] = *cm
	}
	return out, nil
}

// ── On-call ──────────────────────────────────────────────────

func (c *memCore) GetRotation(ctx context.Context, id int64) (*models.OnCallRotation, error) {
	r, ok := c.rotations[id]
	if !ok {
		return nil, errs.NotFound("rotation", id)
	}
	return cloneRotation(r), nil
}

func (c *memCore) ListRotations(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallRotation, error) {
	var out []models.OnCallRotation
	for _, r := range c.rotations {
		if r.TenantID == tenantID && r.ScopeType == scopeType && r.ScopeID == scopeID {
			out = append(out, *cloneRotation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *memCore) ListOverrides(ctx context.Context, tenantID int64, scopeType models.OnCallScope, scopeID int64) ([]models.OnCallOverride, error) {
	var out []models.OnCallOverride
	for _, o := range c.overrides {
		if o.TenantID == tenantID && o.ScopeType == scopeType && o.ScopeID == scopeID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Groups ───────────────────────────────────────────────────

func (c *memCore) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	g, ok := c.groups[id]
	if !ok {
		return nil, errs.NotFound("group", id)
	}
	return cloneGroup(g), nil
}

func (c *memCore) GetGroupByName(ctx context.Context, tenantID int64, name string) (*models.Group, error) {
	for _, g := range c.groups {
		if g.TenantID == tenantID && g.Name == name {
			return cloneGroup(g), nil
		}
	}
	return nil, errs.NotFound("group", name)
}

func (c *memCore) ListGroups(ctx context.Context, tenantID int64, p Pagination) ([]models.Group, int64, error) {
	var out []models.Group
	for _, g := range c.groups {
		if g.TenantID == tenantID {
			out = append(out, *cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) ListGroupMembers(ctx context.Context, groupID int64) ([]models.GroupMember, error) {
	list := c.members[groupID]
	out := make([]models.GroupMember, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out, nil
}

func (c *memCore) GetAccessRequest(ctx context.Context, id int64) (*models.AccessRequest, error) {
	r, ok := c.requests[id]
	if !ok {
		return nil, errs.NotFound("access request", id)
	}
	return cloneRequest(r), nil
}

func (c *memCore) ListAccessRequests(ctx context.Context, groupID int64, state models.RequestState, p Pagination) ([]models.AccessRequest, int64, error) {
	var out []models.AccessRequest
	for _, r := range c.requests {
		if r.GroupID == groupID && (state == "" || r.State == state) {
			out = append(out, *cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

// ── Audit ────────────────────────────────────────────────────

func matchAudit(a *models.AuditRecord, f models.AuditFilter) bool {
	if f.TenantID != 0 && a.TenantID != f.TenantID {
		return false
	}
	if f.PrincipalID != 0 && a.PrincipalID != f.PrincipalID {
		return false
	}
	if f.ResourceType != "" && a.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != 0 && a.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && a.Action != f.Action {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !a.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

func (c *memCore) ListAuditRecords(ctx context.Context, f models.AuditFilter, p Pagination) ([]models.AuditRecord, int64, error) {
	var out []models.AuditRecord
	for _, a := range c.audits {
		if matchAudit(a, f) {
			out = append(out, *a)
		}
	}
	total := int64(len(out))
	return paginate(out, p), total, nil
}

// ── Milestones & projects ────────────────────────────────────

func (c *memCore) GetMilestone(ctx context.Context, id int64) (*models.Milestone, error) {
	m, ok := c.milestones[id]
	if !ok {
		return nil, errs.NotFound("milestone", id)
	}
	cp := *m
	return &cp, nil
}

func (c *memCore) ListMilestones(ctx context.Context, tenantID int64, p Pagination) ([]models.Milestone, int64, error) {
	var out []models.Milestone
	for _, m := range c.milestones {
		if m.TenantID == tenantID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

func (c *memCore) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	pr, ok := c.projects[id]
	if !ok {
		return nil, errs.NotFound("project", id)
	}
	cp := *pr
	return &cp, nil
}

func (c *memCore) ListProjects(ctx context.Context, tenantID int64, p Pagination) ([]models.Project, int64, error) {
	var out []models.Project
	for _, pr := range c.projects {
		if pr.TenantID == tenantID {
			out = append(out, *pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return paginate(out, p), total, nil
}

// ── Village-ID ───────────────────────────────────────────────

func (c *memCore) GetVillageLookup(ctx context.Context, villageID string) (*models.VillageLookup, error) {
	l, ok := c.lookups[strings.ToLower(villageID)]
	if !ok {
		return nil, errs.NotFound("village id", villageID)
	}
	cp := *l
	return &cp, nil
}

// ── Tokens ───────────────────────────────────────────────────

func (c *memCore) GetTokenByFingerprint(ctx context.Context, fingerprint string) (*models.APIToken, error) {
	for _, t := range c.tokens {
		if t.Fingerprint == fingerprint {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errs.NotFound("token", fingerprint)
}

func (c *memCore) ListTokensByIdentity(ctx context.Context, identityID int64) ([]models.APIToken, error) {
	var out []models.APIToken
	for _, t := range c.tokens {
		if t.IdentityID == identityID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
