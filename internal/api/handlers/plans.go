package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Milestones and projects are thin planning resources: operator to write,
// viewer to read, same pipeline as everything else.

type milestoneRequest struct {
	TenantID    int64      `json:"tenant_id" validate:"required,min=1"`
	Name        string     `json:"name" validate:"required,min=1,max=255"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Closed      bool       `json:"closed"`
	Revision    int64      `json:"revision"`
}

func (h *Handlers) CreateMilestone(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in milestoneRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(in.TenantID), models.RoleOperator); err != nil {
			return nil, err
		}
		tenant, err := req.Tx.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		m := &models.Milestone{
			TenantID:    in.TenantID,
			Name:        in.Name,
			Description: in.Description,
			DueDate:     in.DueDate,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindMilestone, tenant, nil)
		if err != nil {
			return nil, err
		}
		m.VillageID = vid
		if err := req.Tx.InsertMilestone(ctx, m); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindMilestone, m.ID, m.TenantID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     m.TenantID,
			Action:       "milestone.create",
			ResourceType: "milestone",
			ResourceID:   m.ID,
			After:        m,
			Payload:      m,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) UpdateMilestone(w http.ResponseWriter, r *http.Request) {
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
	var in milestoneRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetMilestone(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(cur.TenantID), models.RoleOperator); err != nil {
			return nil, err
		}
		next := *cur
		next.Name = in.Name
		next.Description = in.Description
		next.DueDate = in.DueDate
		next.Closed = in.Closed
		next.Revision = in.Revision
		if err := req.Tx.UpdateMilestone(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "milestone.update",
			ResourceType: "milestone",
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

func (h *Handlers) DeleteMilestone(w http.ResponseWriter, r *http.Request) {
	h.deletePlanResource(w, r, "milestone")
}

func (h *Handlers) GetMilestone(w http.ResponseWriter, r *http.Request) {
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
		m, err := rd.GetMilestone(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(m.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListMilestones(w http.ResponseWriter, r *http.Request) {
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
		items, total, err := rd.ListMilestones(ctx, tenantID, pg)
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

// ── Projects ─────────────────────────────────────────────────

type projectRequest struct {
	TenantID       int64  `json:"tenant_id" validate:"required,min=1"`
	OrganizationID *int64 `json:"organization_id"`
	Name           string `json:"name" validate:"required,min=1,max=255"`
	Description    string `json:"description"`
	Archived       bool   `json:"archived"`
	Revision       int64  `json:"revision"`
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in projectRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, issueScope(in.TenantID, in.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		tenant, err := req.Tx.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		pr := &models.Project{
			TenantID:       in.TenantID,
			OrganizationID: in.OrganizationID,
			Name:           in.Name,
			Description:    in.Description,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindProject, tenant, nil)
		if err != nil {
			return nil, err
		}
		pr.VillageID = vid
		if err := req.Tx.InsertProject(ctx, pr); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindProject, pr.ID, pr.TenantID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     pr.TenantID,
			Action:       "project.create",
			ResourceType: "project",
			ResourceID:   pr.ID,
			After:        pr,
			Payload:      pr,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
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
	var in projectRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, issueScope(cur.TenantID, cur.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		next := *cur
		next.OrganizationID = in.OrganizationID
		next.Name = in.Name
		next.Description = in.Description
		next.Archived = in.Archived
		next.Revision = in.Revision
		if err := req.Tx.UpdateProject(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "project.update",
			ResourceType: "project",
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

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	h.deletePlanResource(w, r, "project")
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
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
		pr, err := rd.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(pr.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return pr, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
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
		items, total, err := rd.ListProjects(ctx, tenantID, pg)
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

// deletePlanResource removes a milestone or project; both share the same
// authz shape and audit action naming.
func (h *Handlers) deletePlanResource(w http.ResponseWriter, r *http.Request, kind string) {
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
		var tenantID int64
		var before any
		if kind == "milestone" {
			cur, err := req.Tx.GetMilestone(ctx, id)
			if err != nil {
				return nil, err
			}
			tenantID, before = cur.TenantID, cur
		} else {
			cur, err := req.Tx.GetProject(ctx, id)
			if err != nil {
				return nil, err
			}
			tenantID, before = cur.TenantID, cur
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(tenantID), models.RoleOperator); err != nil {
			return nil, err
		}
		if kind == "milestone" {
			if err := req.Tx.DeleteMilestone(ctx, id); err != nil {
				return nil, err
			}
		} else {
			if err := req.Tx.DeleteProject(ctx, id); err != nil {
				return nil, err
			}
		}
		return &pipeline.Result{
			TenantID:     tenantID,
			Action:       kind + ".delete",
			ResourceType: kind,
			ResourceID:   id,
			Before:       before,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
