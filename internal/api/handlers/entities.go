package handlers

import (
	"context"
	"net/http"
	"reflect"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type createEntityRequest struct {
	OrganizationID int64             `json:"organization_id" validate:"required,min=1"`
	Type           models.EntityType `json:"entity_type" validate:"required"`
	Name           string            `json:"name" validate:"required,min=1,max=255"`
	Attributes     models.AttrMap    `json:"attributes"`
	Tags           []string          `json:"tags"`
}

type updateEntityRequest struct {
	OrganizationID int64             `json:"organization_id" validate:"required,min=1"`
	Type           models.EntityType `json:"entity_type" validate:"required"`
	Name           string            `json:"name" validate:"required,min=1,max=255"`
	Attributes     models.AttrMap    `json:"attributes"`
	Tags           []string          `json:"tags"`
	IsActive       *bool             `json:"is_active"`
	Revision       int64             `json:"revision" validate:"required,min=1"`
}

// CreateEntity inserts an inventory object and mints its Village-ID inside
// the same transaction. Requires operator on the owning organization.
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createEntityRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidEntityType(in.Type) {
		respondErr(w, errs.Validation("unknown entity type %q", in.Type))
		return
	}

	payload, err := h.createOne(r.Context(), p, in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

// createOne runs a single entity creation through the pipeline.
func (h *Handlers) createOne(rctx context.Context, p *models.Identity, in createEntityRequest) (any, error) {
	return h.Pipe.Mutate(rctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		org, err := req.Tx.GetOrganization(ctx, in.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(org.TenantID, org.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		tenant, err := req.Tx.GetTenant(ctx, org.TenantID)
		if err != nil {
			return nil, err
		}

		e := &models.Entity{
			TenantID:       org.TenantID,
			OrganizationID: org.ID,
			Type:           in.Type,
			Name:           in.Name,
			Attributes:     in.Attributes,
			Tags:           in.Tags,
			IsActive:       true,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindEntity, tenant, org)
		if err != nil {
			return nil, err
		}
		e.VillageID = vid
		if err := req.Tx.InsertEntity(ctx, e); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindEntity, e.ID, e.TenantID); err != nil {
			return nil, err
		}
		req.Invalidate(e.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     e.TenantID,
			Action:       "entity.create",
			ResourceType: "entity",
			ResourceID:   e.ID,
			After:        e,
			Payload:      e,
		}, nil
	})
}

type bulkEntityRequest struct {
	Items []createEntityRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

type bulkFailure struct {
	Index   int            `json:"index"`
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

type bulkEntityResult struct {
	Succeeded []*models.Entity `json:"succeeded"`
	Failed    []bulkFailure    `json:"failed"`
}

// BulkCreateEntities creates each item in its own transaction and reports
// per-item outcomes. The request as a whole fails only when malformed; a
// rejected item never rolls back its siblings.
func (h *Handlers) BulkCreateEntities(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in bulkEntityRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	out := bulkEntityResult{Succeeded: []*models.Entity{}, Failed: []bulkFailure{}}
	for i, item := range in.Items {
		if !models.ValidEntityType(item.Type) {
			out.Failed = append(out.Failed, bulkItemFailure(i, errs.Validation("unknown entity type %q", item.Type)))
			continue
		}
		payload, err := h.createOne(r.Context(), p, item)
		if err != nil {
			out.Failed = append(out.Failed, bulkItemFailure(i, err))
			continue
		}
		out.Succeeded = append(out.Succeeded, payload.(*models.Entity))
	}
	respondJSON(w, http.StatusOK, out)
}

func bulkItemFailure(index int, err error) bulkFailure {
	f := bulkFailure{Index: index, Error: err.Error(), Code: string(errs.KindOf(err))}
	details := map[string]any{}
	for k, v := range errs.DetailsOf(err) {
		details[k] = v
	}
	if reason := errs.ReasonOf(err); reason != "" {
		details["reason"] = reason
	}
	if len(details) > 0 {
		f.Details = details
	}
	return f
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
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
		e, err := rd.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.EntityRes(e.TenantID, e.OrganizationID, e.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
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
	orgID, err := queryID(r, "organization_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	f := store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityType(r.URL.Query().Get("entity_type")),
		Name:           r.URL.Query().Get("name"),
		Tag:            r.URL.Query().Get("tag"),
	}
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active := raw == "true" || raw == "1"
		f.IsActive = &active
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListEntities(ctx, tenantID, f, pg)
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

// UpdateEntity applies a revision-checked update. Moving the entity to a
// different organization requires operator on both; the Village-ID never
// changes. An identical representation commits as a no-op.
func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
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
	var in updateEntityRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidEntityType(in.Type) {
		respondErr(w, errs.Validation("unknown entity type %q", in.Type))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.EntityRes(cur.TenantID, cur.OrganizationID, cur.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		if in.OrganizationID != cur.OrganizationID {
			dst, err := req.Tx.GetOrganization(ctx, in.OrganizationID)
			if err != nil {
				return nil, err
			}
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Org(dst.TenantID, dst.ID), models.RoleOperator); err != nil {
				return nil, err
			}
		}

		next := *cur
		next.OrganizationID = in.OrganizationID
		next.Type = in.Type
		next.Name = in.Name
		next.Attributes = in.Attributes
		next.Tags = in.Tags
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		if in.Revision == cur.Revision && sameEntity(cur, &next) {
			return &pipeline.Result{TenantID: cur.TenantID, NoOp: true, Payload: cur}, nil
		}
		next.Revision = in.Revision
		if err := req.Tx.UpdateEntity(ctx, &next); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "entity.update",
			ResourceType: "entity",
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

func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.EntityRes(cur.TenantID, cur.OrganizationID, cur.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteEntity(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "entity.delete",
			ResourceType: "entity",
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

func sameEntity(a, b *models.Entity) bool {
	return a.OrganizationID == b.OrganizationID && a.Type == b.Type &&
		a.Name == b.Name && a.IsActive == b.IsActive &&
		reflect.DeepEqual(a.Attributes, b.Attributes) &&
		sameStrings(a.Tags, b.Tags)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
