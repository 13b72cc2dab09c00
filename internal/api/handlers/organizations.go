package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type createOrganizationRequest struct {
	TenantID        int64          `json:"tenant_id" validate:"required,min=1"`
	ParentID        *int64         `json:"parent_id"`
	Name            string         `json:"name" validate:"required,min=1,max=255"`
	Type            models.OrgType `json:"type" validate:"required"`
	OwnerIdentityID int64          `json:"owner_identity_id" validate:"required,min=1"`
	OwnerGroupID    *int64         `json:"owner_group_id"`
	LDAPDN          string         `json:"ldap_dn"`
	SAMLGroup       string         `json:"saml_group"`
}

type updateOrganizationRequest struct {
	ParentID        *int64         `json:"parent_id"`
	Name            string         `json:"name" validate:"required,min=1,max=255"`
	Type            models.OrgType `json:"type" validate:"required"`
	OwnerIdentityID int64          `json:"owner_identity_id" validate:"required,min=1"`
	OwnerGroupID    *int64         `json:"owner_group_id"`
	LDAPDN          string         `json:"ldap_dn"`
	SAMLGroup       string         `json:"saml_group"`
	Revision        int64          `json:"revision" validate:"required,min=1"`
}

// CreateOrganization adds a node to the tenant's org tree. Roots need
// admin on the tenant; children need maintainer on the parent.
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createOrganizationRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidOrgType(in.Type) {
		respondErr(w, errs.Validation("unknown organization type %q", in.Type))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if in.ParentID == nil {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(in.TenantID), models.RoleAdmin); err != nil {
				return nil, err
			}
		} else {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(in.TenantID, *in.ParentID), models.RoleMaintainer); err != nil {
				return nil, err
			}
		}

		tenant, err := req.Tx.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		o := &models.Organization{
			TenantID:        in.TenantID,
			ParentID:        in.ParentID,
			Name:            in.Name,
			Type:            in.Type,
			OwnerIdentityID: in.OwnerIdentityID,
			OwnerGroupID:    in.OwnerGroupID,
			LDAPDN:          in.LDAPDN,
			SAMLGroup:       in.SAMLGroup,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindOrganization, tenant, nil)
		if err != nil {
			return nil, err
		}
		o.VillageID = vid
		if err := req.Tx.InsertOrganization(ctx, o); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindOrganization, o.ID, o.TenantID); err != nil {
			return nil, err
		}
		req.Invalidate(o.TenantID, cache.SubjectOrgTree)
		return &pipeline.Result{
			TenantID:     o.TenantID,
			Action:       "organization.create",
			ResourceType: "organization",
			ResourceID:   o.ID,
			After:        o,
			Payload:      o,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return o, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	tenantID, err := h.tenantParam(r, p)
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListOrganizations(ctx, tenantID, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// OrganizationChildren returns direct or recursive descendants in BFS
// order via the graph engine snapshot.
func (h *Handlers) OrganizationChildren(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	recursive := queryBool(r, "recursive")

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		children, err := h.Pipe.Graph().Children(ctx, o.TenantID, id, recursive)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": children, "total": len(children)}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// OrganizationHierarchy returns the root-to-node path.
func (h *Handlers) OrganizationHierarchy(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		steps, err := h.Pipe.Graph().Hierarchy(ctx, o.TenantID, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": steps, "length": len(steps)}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// UpdateOrganization applies a revision-checked update. Moving the node to
// a different parent requires maintainer on both the old and the new
// parent; identical representations commit as no-ops.
func (h *Handlers) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var in updateOrganizationRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidOrgType(in.Type) {
		respondErr(w, errs.Validation("unknown organization type %q", in.Type))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(cur.TenantID, cur.ID), models.RoleMaintainer); err != nil {
			return nil, err
		}
		if reparenting(cur.ParentID, in.ParentID) {
			for _, parent := range []*int64{cur.ParentID, in.ParentID} {
				res := authz.Tenant(cur.TenantID)
				if parent != nil {
					res = authz.Org(cur.TenantID, *parent)
				}
				if err := h.Pipe.Authz().Require(ctx, req.Tx, p, res, models.RoleMaintainer); err != nil {
					return nil, err
				}
			}
			if in.ParentID != nil {
				if err := h.checkNoOrgCycle(ctx, req.Tx, cur.TenantID, id, *in.ParentID); err != nil {
					return nil, err
				}
			}
		}

		next := *cur
		next.ParentID = in.ParentID
		next.Name = in.Name
		next.Type = in.Type
		next.OwnerIdentityID = in.OwnerIdentityID
		next.OwnerGroupID = in.OwnerGroupID
		next.LDAPDN = in.LDAPDN
		next.SAMLGroup = in.SAMLGroup
		if in.Revision == cur.Revision && sameOrg(cur, &next) {
			return &pipeline.Result{TenantID: cur.TenantID, NoOp: true, Payload: cur}, nil
		}
		next.Revision = in.Revision
		if err := req.Tx.UpdateOrganization(ctx, &next); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectOrgTree)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "organization.update",
			ResourceType: "organization",
			ResourceID:   id,
			Before:       cur,
			After:        &next,
			Payload:      &next,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// DeleteOrganization removes a node. A node with children is refused with
// a dependent_exists conflict unless cascade=true and the caller holds
// maintainer on every descendant. Cascade removes the whole subtree:
// descendant organizations, their entities, and every dependency edge
// touching those entities.
func (h *Handlers) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	cascade := queryBool(r, "cascade")

	_, err = h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(cur.TenantID, cur.ID), models.RoleMaintainer); err != nil {
			return nil, err
		}

		descendants, err := h.descendants(ctx, req.Tx, cur.TenantID, id)
		if err != nil {
			return nil, err
		}
		if len(descendants) > 0 {
			if !cascade {
				return nil, errs.Conflict(errs.ReasonDependentExists, "organization %d has %d descendant(s)", id, len(descendants))
			}
			for _, d := range descendants {
				if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(d.TenantID, d.ID), models.RoleMaintainer); err != nil {
					return nil, err
				}
			}
			// Children before parents so the FK check never fires.
			for i := len(descendants) - 1; i >= 0; i-- {
				if err := h.deleteOrgEntities(ctx, req.Tx, cur.TenantID, descendants[i].ID); err != nil {
					return nil, err
				}
				if err := req.Tx.DeleteOrganization(ctx, descendants[i].ID); err != nil {
					return nil, err
				}
			}
		}
		if cascade {
			if err := h.deleteOrgEntities(ctx, req.Tx, cur.TenantID, id); err != nil {
				return nil, err
			}
		}
		if err := req.Tx.DeleteOrganization(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectOrgTree)
		if cascade {
			req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "organization.delete",
			ResourceType: "organization",
			ResourceID:   id,
			Before:       cur,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// descendants returns the subtree below orgID in BFS order, read through
// the caller's transaction so concurrent reparenting cannot hide nodes.
func (h *Handlers) descendants(ctx context.Context, r store.Reader, tenantID, orgID int64) ([]models.Organization, error) {
	var out []models.Organization
	frontier := []int64{orgID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > h.Cfg.Graph.MaxHierarchyDepth {
			return nil, errs.New(errs.KindInternal, "organization subtree exceeds depth limit %d", h.Cfg.Graph.MaxHierarchyDepth)
		}
		var next []int64
		for _, cur := range frontier {
			id := cur
			children, err := r.ListOrganizationsByParent(ctx, tenantID, &id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// deleteOrgEntities removes every entity attached to orgID, dropping the
// dependency edges on either side of each entity first so the store's FK
// check passes. Edges reaching in from outside the subtree go with them.
func (h *Handlers) deleteOrgEntities(ctx context.Context, tx store.Tx, tenantID, orgID int64) error {
	ents, _, err := tx.ListEntities(ctx, tenantID, store.EntityFilter{OrganizationID: orgID}, store.Pagination{})
	if err != nil {
		return err
	}
	for _, e := range ents {
		filters := []store.DependencyFilter{
			{SourceEntityID: e.ID},
			{TargetEntityID: e.ID},
		}
		for _, f := range filters {
			deps, _, err := tx.ListDependencies(ctx, tenantID, f, store.Pagination{})
			if err != nil {
				return err
			}
			for _, d := range deps {
				if err := tx.DeleteDependency(ctx, d.ID); err != nil {
					return err
				}
			}
		}
		if err := tx.DeleteEntity(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// checkNoOrgCycle rejects a reparent that would place an organization
// under its own subtree.
func (h *Handlers) checkNoOrgCycle(ctx context.Context, r store.Reader, tenantID, orgID, newParentID int64) error {
	if newParentID == orgID {
		return errs.Conflict(errs.ReasonCycle, "organization %d cannot be its own parent", orgID)
	}
	cur := newParentID
	for depth := 0; depth <= h.Cfg.Graph.MaxHierarchyDepth; depth++ {
		o, err := r.GetOrganization(ctx, cur)
		if err != nil {
			return err
		}
		if o.TenantID != tenantID {
			return errs.Conflict(errs.ReasonForeignKey, "parent belongs to another tenant")
		}
		if o.ID == orgID {
			return errs.Conflict(errs.ReasonCycle, "moving organization %d under its own descendant %d", orgID, newParentID)
		}
		if o.ParentID == nil {
			return nil
		}
		cur = *o.ParentID
	}
	return errs.New(errs.KindInternal, "organization chain exceeds depth limit %d", h.Cfg.Graph.MaxHierarchyDepth)
}

func reparenting(old, next *int64) bool {
	switch {
	case old == nil && next == nil:
		return false
	case old == nil || next == nil:
		return true
	default:
		return *old != *next
	}
}

func sameOrg(a, b *models.Organization) bool {
	return !reparenting(a.ParentID, b.ParentID) &&
		a.Name == b.Name && a.Type == b.Type &&
		a.OwnerIdentityID == b.OwnerIdentityID &&
		samePtr(a.OwnerGroupID, b.OwnerGroupID) &&
		a.LDAPDN == b.LDAPDN && a.SAMLGroup == b.SAMLGroup
}

func samePtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// tenantParam resolves the tenant_id query parameter, defaulting to the
// caller's own tenant.
func (h *Handlers) tenantParam(r *http.Request, p *models.Identity) (int64, error) {
	id, err := queryID(r, "tenant_id")
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return p.TenantID, nil
	}
	return id, nil
}
