package authz

import (
	"context"
	"testing"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// harness builds a tenant with an org chain root -> mid -> leaf, one
// identity, and whatever grants each test installs.
type harness struct {
	store    *store.MemoryStore
	az       *Authorizer
	tenant   *models.Tenant
	root     *models.Organization
	mid      *models.Organization
	leaf     *models.Organization
	identity *models.Identity
}

func newHarness(t *testing.T, portalRole models.Role) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemoryStore(), az: New(64)}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.tenant = &models.Tenant{Name: "acme", VillageCode: "00a1", IsActive: true}
	if err := tx.InsertTenant(ctx, h.tenant); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	h.root = &models.Organization{TenantID: h.tenant.ID, Name: "root", Type: models.OrgTypeDepartment}
	if err := tx.InsertOrganization(ctx, h.root); err != nil {
		t.Fatalf("root: %v", err)
	}
	h.mid = &models.Organization{TenantID: h.tenant.ID, Name: "mid", Type: models.OrgTypeTeam, ParentID: &h.root.ID}
	if err := tx.InsertOrganization(ctx, h.mid); err != nil {
		t.Fatalf("mid: %v", err)
	}
	h.leaf = &models.Organization{TenantID: h.tenant.ID, Name: "leaf", Type: models.OrgTypeTeam, ParentID: &h.mid.ID}
	if err := tx.InsertOrganization(ctx, h.leaf); err != nil {
		t.Fatalf("leaf: %v", err)
	}
	h.identity = &models.Identity{
		TenantID:   h.tenant.ID,
		Username:   "dev",
		Type:       models.IdentityHuman,
		PortalRole: portalRole,
		IsActive:   true,
	}
	if err := tx.InsertIdentity(ctx, h.identity); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h
}

func (h *harness) grant(t *testing.T, scopeType models.ScopeType, scopeID int64, role models.Role) {
	t.Helper()
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	err := tx.UpsertRole(ctx, &models.ResourceRole{
		TenantID:   h.tenant.ID,
		IdentityID: h.identity.ID,
		ScopeType:  scopeType,
		ScopeID:    scopeID,
		Role:       role,
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestEffectiveRolePortalFloor(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	role, err := h.az.EffectiveRole(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleViewer {
		t.Fatalf("role = %s, want viewer", role)
	}
}

func TestEffectiveRoleAncestorGrantPropagates(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	h.grant(t, models.ScopeOrganization, h.root.ID, models.RoleMaintainer)

	role, err := h.az.EffectiveRole(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleMaintainer {
		t.Fatalf("role = %s, want maintainer inherited from root", role)
	}
}

func TestEffectiveRoleSiblingGrantDoesNotLeak(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	sibling := &models.Organization{TenantID: h.tenant.ID, Name: "sibling", Type: models.OrgTypeTeam, ParentID: &h.root.ID}
	if err := tx.InsertOrganization(ctx, sibling); err != nil {
		t.Fatalf("sibling: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	h.grant(t, models.ScopeOrganization, sibling.ID, models.RoleAdmin)

	role, err := h.az.EffectiveRole(ctx, h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleViewer {
		t.Fatalf("role = %s, sibling grant must not apply", role)
	}
}

func TestEffectiveRoleTenantGrant(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	h.grant(t, models.ScopeTenant, h.tenant.ID, models.RoleOperator)

	role, err := h.az.EffectiveRole(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleOperator {
		t.Fatalf("role = %s, want operator from tenant grant", role)
	}
}

func TestEffectiveRoleExactEntityGrant(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	en := &models.Entity{TenantID: h.tenant.ID, OrganizationID: h.leaf.ID, Name: "svc", Type: models.EntityService, IsActive: true}
	if err := tx.InsertEntity(ctx, en); err != nil {
		t.Fatalf("entity: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	h.grant(t, models.ScopeEntity, en.ID, models.RoleOperator)

	role, err := h.az.EffectiveRole(ctx, h.store.Reader(), h.identity, EntityRes(h.tenant.ID, h.leaf.ID, en.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleOperator {
		t.Fatalf("role = %s, want operator from entity grant", role)
	}
}

func TestEffectiveRoleOwnerGroupConfersMaintainer(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	g := &models.Group{TenantID: h.tenant.ID, Name: "platform-owners", OwnerIdentityID: h.identity.ID, ApprovalMode: models.ApprovalAny}
	if err := tx.InsertGroup(ctx, g); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := tx.AddGroupMember(ctx, &models.GroupMember{GroupID: g.ID, IdentityID: h.identity.ID}); err != nil {
		t.Fatalf("member: %v", err)
	}
	h.root.OwnerGroupID = &g.ID
	if err := tx.UpdateOrganization(ctx, h.root); err != nil {
		t.Fatalf("update org: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	role, err := h.az.EffectiveRole(ctx, h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role != models.RoleMaintainer {
		t.Fatalf("role = %s, want maintainer via owner group on ancestor", role)
	}
}

func TestCrossTenantDeniedExceptSuperAdmin(t *testing.T) {
	h := newHarness(t, models.RoleAdmin)
	_, err := h.az.EffectiveRole(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID+1, 99))
	if errs.KindOf(err) != errs.KindForbidden || errs.ReasonOf(err) != errs.ReasonTenantMismatch {
		t.Fatalf("err = %v, want tenant_mismatch forbidden", err)
	}

	h2 := newHarness(t, models.RoleSuperAdmin)
	role, err := h2.az.EffectiveRole(context.Background(), h2.store.Reader(), h2.identity, Org(h2.tenant.ID+1, 99))
	if err != nil {
		t.Fatalf("super_admin cross-tenant: %v", err)
	}
	if role != models.RoleSuperAdmin {
		t.Fatalf("role = %s, want super_admin", role)
	}
}

func TestRequireDeniesWithReason(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	err := h.az.Require(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID), models.RoleMaintainer)
	if errs.KindOf(err) != errs.KindForbidden || errs.ReasonOf(err) != errs.ReasonInsufficientRole {
		t.Fatalf("err = %v, want insufficient_role forbidden", err)
	}
}

func TestInactiveIdentityDenied(t *testing.T) {
	h := newHarness(t, models.RoleAdmin)
	h.identity.IsActive = false
	_, err := h.az.EffectiveRole(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if errs.KindOf(err) != errs.KindForbidden || errs.ReasonOf(err) != errs.ReasonInactive {
		t.Fatalf("err = %v, want inactive forbidden", err)
	}
}

func TestRequireSensitiveNeedsOperator(t *testing.T) {
	h := newHarness(t, models.RoleViewer)
	err := h.az.RequireSensitive(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID))
	if errs.ReasonOf(err) != errs.ReasonSensitiveField {
		t.Fatalf("err = %v, want sensitive_field", err)
	}

	h.grant(t, models.ScopeOrganization, h.leaf.ID, models.RoleOperator)
	if err := h.az.RequireSensitive(context.Background(), h.store.Reader(), h.identity, Org(h.tenant.ID, h.leaf.ID)); err != nil {
		t.Fatalf("operator blocked from sensitive read: %v", err)
	}
}
