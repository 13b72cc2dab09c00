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
	"github.com/elder-platform/elder/internal/villageid"
	"github.com/elder-platform/elder/pkg/models"
)

type createTenantRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	VillageCode string `json:"village_tenant_code" validate:"required,len=4,hexadecimal"`
}

type updateTenantRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=255"`
	IsActive *bool  `json:"is_active"`
	Revision int64  `json:"revision" validate:"required,min=1"`
}

// CreateTenant provisions a tenant and its Village-ID code. Tenants sit
// above every scope, so only super_admin may mint them.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createTenantRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if !p.PortalRole.AtLeast(models.RoleSuperAdmin) {
			return nil, errs.Forbidden(errs.ReasonInsufficientRole, "tenant provisioning requires super_admin")
		}
		t := &models.Tenant{
			Name:        in.Name,
			VillageCode: villageid.Normalize(in.VillageCode),
			IsActive:    true,
		}
		if err := req.Tx.InsertTenant(ctx, t); err != nil {
			return nil, err
		}
		vid := villageid.Format(t.VillageCode, 0, 0)
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindTenant, t.ID, t.ID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     t.ID,
			Action:       "tenant.create",
			ResourceType: "tenant",
			ResourceID:   t.ID,
			After:        t,
			Payload:      t,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
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
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(id), models.RoleViewer); err != nil {
			return nil, err
		}
		return rd.GetTenant(ctx, id)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// ListTenants returns every tenant for super_admin callers; everyone else
// sees only their own.
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
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
		if p.PortalRole.AtLeast(models.RoleSuperAdmin) {
			items, total, err := rd.ListTenants(ctx, pg)
			if err != nil {
				return nil, err
			}
			return models.NewPage(items, total, page, perPage), nil
		}
		t, err := rd.GetTenant(ctx, p.TenantID)
		if err != nil {
			return nil, err
		}
		return models.NewPage([]models.Tenant{*t}, 1, page, perPage), nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
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
	var in updateTenantRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(id), models.RoleAdmin); err != nil {
			return nil, err
		}
		cur, err := req.Tx.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *cur
		next.Name = in.Name
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		if next.Name == cur.Name && next.IsActive == cur.IsActive && in.Revision == cur.Revision {
			return &pipeline.Result{TenantID: id, NoOp: true, Payload: cur}, nil
		}
		next.Revision = in.Revision
		if err := req.Tx.UpdateTenant(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     id,
			Action:       "tenant.update",
			ResourceType: "tenant",
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

func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
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

	_, err = h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if !p.PortalRole.AtLeast(models.RoleSuperAdmin) {
			return nil, errs.Forbidden(errs.ReasonInsufficientRole, "tenant removal requires super_admin")
		}
		cur, err := req.Tx.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteTenant(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(id, cache.SubjectOrgTree)
		req.Invalidate(id, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     id,
			Action:       "tenant.delete",
			ResourceType: "tenant",
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
