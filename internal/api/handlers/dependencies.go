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

type createDependencyRequest struct {
	SourceEntityID int64                 `json:"source_entity_id" validate:"required,min=1"`
	TargetEntityID int64                 `json:"target_entity_id" validate:"required,min=1"`
	Type           models.DependencyType `json:"dependency_type" validate:"required"`
	Metadata       models.AttrMap        `json:"metadata"`
}

type updateDependencyRequest struct {
	Metadata models.AttrMap `json:"metadata"`
	Revision int64          `json:"revision" validate:"required,min=1"`
}

// CreateDependency inserts a directed edge. Hard edge types go through the
// incremental cycle check first, so a rejected edge names the cycle path
// in the conflict details. Requires operator on the source entity's
// organization.
func (h *Handlers) CreateDependency(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createDependencyRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidDependencyType(in.Type) {
		respondErr(w, errs.Validation("unknown dependency type %q", in.Type))
		return
	}
	if in.SourceEntityID == in.TargetEntityID {
		respondErr(w, errs.Validation("dependency endpoints must be distinct"))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		src, err := req.Tx.GetEntity(ctx, in.SourceEntityID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(src.TenantID, src.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		dst, err := req.Tx.GetEntity(ctx, in.TargetEntityID)
		if err != nil {
			return nil, err
		}
		if dst.TenantID != src.TenantID {
			return nil, errs.Conflict(errs.ReasonForeignKey, "dependency endpoints cross tenants")
		}

		if err := h.Pipe.Graph().CheckEdge(ctx, req.Tx, src.TenantID, src.ID, dst.ID, in.Type); err != nil {
			return nil, err
		}
		d := &models.Dependency{
			TenantID:       src.TenantID,
			SourceEntityID: src.ID,
			TargetEntityID: dst.ID,
			Type:           in.Type,
			Metadata:       in.Metadata,
		}
		if err := req.Tx.InsertDependency(ctx, d); err != nil {
			return nil, err
		}
		req.Invalidate(d.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     d.TenantID,
			Action:       "dependency.create",
			ResourceType: "dependency",
			ResourceID:   d.ID,
			After:        d,
			Payload:      d,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) GetDependency(w http.ResponseWriter, r *http.Request) {
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
		d, err := rd.GetDependency(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(d.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListDependencies(w http.ResponseWriter, r *http.Request) {
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
	sourceID, err := queryID(r, "source_entity_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	targetID, err := queryID(r, "target_entity_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	f := store.DependencyFilter{
		SourceEntityID: sourceID,
		TargetEntityID: targetID,
		Type:           models.DependencyType(r.URL.Query().Get("dependency_type")),
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListDependencies(ctx, tenantID, f, pg)
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

// UpdateDependency changes edge metadata only; endpoints and type are
// immutable, replace the edge instead.
func (h *Handlers) UpdateDependency(w http.ResponseWriter, r *http.Request) {
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
	var in updateDependencyRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetDependency(ctx, id)
		if err != nil {
			return nil, err
		}
		src, err := req.Tx.GetEntity(ctx, cur.SourceEntityID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(src.TenantID, src.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}

		next := *cur
		next.Metadata = in.Metadata
		next.Revision = in.Revision
		if err := req.Tx.UpdateDependency(ctx, &next); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "dependency.update",
			ResourceType: "dependency",
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

func (h *Handlers) DeleteDependency(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetDependency(ctx, id)
		if err != nil {
			return nil, err
		}
		src, err := req.Tx.GetEntity(ctx, cur.SourceEntityID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(src.TenantID, src.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteDependency(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "dependency.delete",
			ResourceType: "dependency",
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
