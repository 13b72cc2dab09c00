// Package authz resolves effective roles and authorizes actions.
//
// The effective role of a principal for a resource is the maximum, by role
// rank, of: the identity's global portal role, a tenant-scoped grant, an
// organization-scoped grant on the owning organization or any ancestor, a
// grant on the exact resource, and maintainer derived from membership in a
// group that owns an ancestor organization.
//
// Decisions are deterministic for a given snapshot and principal, and every
// denial carries a reason code from the closed set in internal/errs.
package authz

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Resource identifies what a principal is acting on.
type Resource struct {
	TenantID int64
	// OrganizationID is the owning organization, 0 when the resource is
	// tenant-level.
	OrganizationID int64
	// ScopeType/ScopeID name the exact resource for resource-scoped
	// grants; ScopeID 0 means there is no exact-resource scope (creation).
	ScopeType models.ScopeType
	ScopeID   int64
}

// Tenant builds a tenant-level resource reference.
func Tenant(tenantID int64) Resource {
	return Resource{TenantID: tenantID, ScopeType: models.ScopeTenant, ScopeID: tenantID}
}

// Org builds an organization resource reference.
func Org(tenantID, orgID int64) Resource {
	return Resource{TenantID: tenantID, OrganizationID: orgID, ScopeType: models.ScopeOrganization, ScopeID: orgID}
}

// EntityRes builds an entity resource reference owned by orgID.
func EntityRes(tenantID, orgID, entityID int64) Resource {
	return Resource{TenantID: tenantID, OrganizationID: orgID, ScopeType: models.ScopeEntity, ScopeID: entityID}
}

// Decision is the outcome of a role resolution, kept for audit logging.
type Decision struct {
	Role    models.Role
	Allowed bool
	Reason  string
}

// Authorizer computes effective roles against a store snapshot.
type Authorizer struct {
	maxDepth int
}

// New creates an Authorizer. maxDepth bounds ancestor walks and mirrors the
// org-tree depth limit.
func New(maxDepth int) *Authorizer {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	return &Authorizer{maxDepth: maxDepth}
}

// EffectiveRole resolves the principal's effective role for the resource.
// A cross-tenant principal resolves to no role unless it is a super_admin,
// in which case super_admin applies everywhere.
func (a *Authorizer) EffectiveRole(ctx context.Context, r store.Reader, principal *models.Identity, res Resource) (models.Role, error) {
	if principal == nil {
		return "", errs.Unauthenticated("no principal")
	}
	if !principal.IsActive {
		return "", errs.Forbidden(errs.ReasonInactive, "identity %d is inactive", principal.ID)
	}
	if principal.TenantID != res.TenantID {
		if principal.PortalRole == models.RoleSuperAdmin {
			return models.RoleSuperAdmin, nil
		}
		return "", &errs.Error{
			Kind:    errs.KindForbidden,
			Reason:  errs.ReasonTenantMismatch,
			Message: "principal and resource belong to different tenants",
		}
	}

	effective := principal.PortalRole

	grants, err := r.ListRolesByIdentity(ctx, principal.ID)
	if err != nil {
		return "", err
	}

	// Collect the ancestor chain of the owning organization once; both
	// org-scoped grants and owner-group membership use it.
	ancestors, err := a.ancestorChain(ctx, r, res.OrganizationID)
	if err != nil {
		return "", err
	}

	for _, g := range grants {
		switch g.ScopeType {
		case models.ScopeTenant:
			if g.ScopeID == res.TenantID {
				effective = models.MaxRole(effective, g.Role)
			}
		case models.ScopeOrganization:
			for _, org := range ancestors {
				if g.ScopeID == org.ID {
					effective = models.MaxRole(effective, g.Role)
					break
				}
			}
			if res.ScopeType == models.ScopeOrganization && g.ScopeID == res.ScopeID {
				effective = models.MaxRole(effective, g.Role)
			}
		case models.ScopeEntity:
			if res.ScopeType == models.ScopeEntity && g.ScopeID == res.ScopeID {
				effective = models.MaxRole(effective, g.Role)
			}
		}
	}

	// Owner-group membership on an ancestor confers maintainer.
	if role, err := a.ownerGroupRole(ctx, r, principal.ID, ancestors); err != nil {
		return "", err
	} else if role != "" {
		effective = models.MaxRole(effective, role)
	}

	return effective, nil
}

// Require resolves the effective role and denies with a structured reason
// when it ranks below min.
func (a *Authorizer) Require(ctx context.Context, r store.Reader, principal *models.Identity, res Resource, min models.Role) error {
	role, err := a.EffectiveRole(ctx, r, principal, res)
	if err != nil {
		return err
	}
	if !role.AtLeast(min) {
		reason := errs.ReasonInsufficientRole
		if role.Rank() == 0 {
			reason = errs.ReasonNoRoleOnScope
		}
		log.Debug().
			Int64("principal", principal.ID).
			Str("scope_type", string(res.ScopeType)).
			Int64("scope_id", res.ScopeID).
			Str("have", string(role)).
			Str("need", string(min)).
			Str("reason", reason).
			Msg("authorization denied")
		return errs.Forbidden(reason, "requires %s on %s %d", min, res.ScopeType, res.ScopeID)
	}
	return nil
}

// RequireSensitive gates reads of secret-bearing fields: operator at
// minimum; cross-tenant and MFA-bypass reads require super_admin and are
// handled by EffectiveRole's tenant check.
func (a *Authorizer) RequireSensitive(ctx context.Context, r store.Reader, principal *models.Identity, res Resource) error {
	role, err := a.EffectiveRole(ctx, r, principal, res)
	if err != nil {
		return err
	}
	if !role.AtLeast(models.RoleOperator) {
		return errs.Forbidden(errs.ReasonSensitiveField, "sensitive fields require operator")
	}
	return nil
}

// ancestorChain returns the organization and all its ancestors root-last.
// orgID 0 returns nil.
func (a *Authorizer) ancestorChain(ctx context.Context, r store.Reader, orgID int64) ([]models.Organization, error) {
	if orgID == 0 {
		return nil, nil
	}
	var chain []models.Organization
	cur := orgID
	for depth := 0; depth <= a.maxDepth; depth++ {
		org, err := r.GetOrganization(ctx, cur)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound && depth > 0 {
				// Dangling parent pointer; stop the walk rather than fail
				// the decision.
				return chain, nil
			}
			return nil, err
		}
		chain = append(chain, *org)
		if org.ParentID == nil {
			return chain, nil
		}
		cur = *org.ParentID
	}
	return nil, errs.New(errs.KindInternal, "organization ancestry exceeds depth %d", a.maxDepth)
}

// ownerGroupRole returns maintainer when the principal belongs to a group
// that is the owner group of any organization in the chain.
func (a *Authorizer) ownerGroupRole(ctx context.Context, r store.Reader, identityID int64, ancestors []models.Organization) (models.Role, error) {
	for _, org := range ancestors {
		if org.OwnerGroupID == nil {
			continue
		}
		members, err := r.ListGroupMembers(ctx, *org.OwnerGroupID)
		if err != nil {
			return "", err
		}
		for _, m := range members {
			if m.IdentityID == identityID {
				return models.RoleMaintainer, nil
			}
		}
	}
	return "", nil
}
