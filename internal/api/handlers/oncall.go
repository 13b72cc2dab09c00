package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type shiftInput struct {
	IdentityID int64     `json:"identity_id" validate:"required,min=1"`
	Start      time.Time `json:"start" validate:"required"`
	End        time.Time `json:"end" validate:"required"`
}

type rotationRequest struct {
	TenantID  int64              `json:"tenant_id" validate:"required,min=1"`
	ScopeType models.OnCallScope `json:"scope_type" validate:"required,oneof=organization service"`
	ScopeID   int64              `json:"scope_id" validate:"required,min=1"`
	Name      string             `json:"name" validate:"required,min=1,max=255"`
	Priority  int                `json:"priority" validate:"min=0"`
	Shifts    []shiftInput       `json:"shifts" validate:"required,min=1,dive"`
	Revision  int64              `json:"revision"`
}

type overrideRequest struct {
	TenantID   int64              `json:"tenant_id" validate:"required,min=1"`
	ScopeType  models.OnCallScope `json:"scope_type" validate:"required,oneof=organization service"`
	ScopeID    int64              `json:"scope_id" validate:"required,min=1"`
	IdentityID int64              `json:"identity_id" validate:"required,min=1"`
	Start      time.Time          `json:"start" validate:"required"`
	End        time.Time          `json:"end" validate:"required"`
	Reason     string             `json:"reason"`
}

// onCallScopeRes maps an on-call scope to its authorization resource: the
// organization itself, or the owning organization of a service entity.
func (h *Handlers) onCallScopeRes(ctx context.Context, rd store.Reader, tenantID int64, scopeType models.OnCallScope, scopeID int64) (authz.Resource, error) {
	if scopeType == models.OnCallScopeOrganization {
		return authz.Org(tenantID, scopeID), nil
	}
	e, err := rd.GetEntity(ctx, scopeID)
	if err != nil {
		return authz.Resource{}, err
	}
	return authz.Org(e.TenantID, e.OrganizationID), nil
}

func shiftsOf(in []shiftInput) ([]models.OnCallShift, error) {
	out := make([]models.OnCallShift, len(in))
	for i, s := range in {
		if !s.Start.Before(s.End) {
			return nil, errs.Validation("shift %d: start must precede end", i)
		}
		out[i] = models.OnCallShift{IdentityID: s.IdentityID, Start: s.Start.UTC(), End: s.End.UTC()}
	}
	return out, nil
}

func (h *Handlers) CreateRotation(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in rotationRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	shifts, err := shiftsOf(in.Shifts)
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		res, err := h.onCallScopeRes(ctx, req.Tx, in.TenantID, in.ScopeType, in.ScopeID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, res, models.RoleMaintainer); err != nil {
			return nil, err
		}
		rot := &models.OnCallRotation{
			TenantID:  in.TenantID,
			ScopeType: in.ScopeType,
			ScopeID:   in.ScopeID,
			Name:      in.Name,
			Priority:  in.Priority,
			Shifts:    shifts,
		}
		if err := req.Tx.InsertRotation(ctx, rot); err != nil {
			return nil, err
		}
		req.Invalidate(in.TenantID, cache.OnCallSubject(string(in.ScopeType), in.ScopeID))
		return &pipeline.Result{
			TenantID:     in.TenantID,
			Action:       "oncall.rotation.create",
			ResourceType: "oncall_rotation",
			ResourceID:   rot.ID,
			After:        rot,
			Payload:      rot,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) UpdateRotation(w http.ResponseWriter, r *http.Request) {
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
	var in rotationRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	shifts, err := shiftsOf(in.Shifts)
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetRotation(ctx, id)
		if err != nil {
			return nil, err
		}
		res, err := h.onCallScopeRes(ctx, req.Tx, cur.TenantID, cur.ScopeType, cur.ScopeID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, res, models.RoleMaintainer); err != nil {
			return nil, err
		}
		next := *cur
		next.Name = in.Name
		next.Priority = in.Priority
		next.Shifts = shifts
		next.Revision = in.Revision
		if err := req.Tx.UpdateRotation(ctx, &next); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.OnCallSubject(string(cur.ScopeType), cur.ScopeID))
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "oncall.rotation.update",
			ResourceType: "oncall_rotation",
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

func (h *Handlers) DeleteRotation(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetRotation(ctx, id)
		if err != nil {
			return nil, err
		}
		res, err := h.onCallScopeRes(ctx, req.Tx, cur.TenantID, cur.ScopeType, cur.ScopeID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, res, models.RoleMaintainer); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteRotation(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.OnCallSubject(string(cur.ScopeType), cur.ScopeID))
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "oncall.rotation.delete",
			ResourceType: "oncall_rotation",
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

func (h *Handlers) CreateOverride(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in overrideRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !in.Start.Before(in.End) {
		respondErr(w, errs.Validation("override start must precede end"))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		res, err := h.onCallScopeRes(ctx, req.Tx, in.TenantID, in.ScopeType, in.ScopeID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, res, models.RoleOperator); err != nil {
			return nil, err
		}
		o := &models.OnCallOverride{
			TenantID:   in.TenantID,
			ScopeType:  in.ScopeType,
			ScopeID:    in.ScopeID,
			IdentityID: in.IdentityID,
			Start:      in.Start.UTC(),
			End:        in.End.UTC(),
			Reason:     in.Reason,
		}
		if err := req.Tx.InsertOverride(ctx, o); err != nil {
			return nil, err
		}
		req.Invalidate(in.TenantID, cache.OnCallSubject(string(in.ScopeType), in.ScopeID))
		return &pipeline.Result{
			TenantID:     in.TenantID,
			Action:       "oncall.override.create",
			ResourceType: "oncall_override",
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

func (h *Handlers) DeleteOverride(w http.ResponseWriter, r *http.Request) {
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
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(p.TenantID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteOverride(ctx, id); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     p.TenantID,
			Action:       "oncall.override.delete",
			ResourceType: "oncall_override",
			ResourceID:   id,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// onCallQuery parses the shared scope parameters of the read endpoints.
func (h *Handlers) onCallQuery(r *http.Request, p *models.Identity) (tenantID int64, scopeType models.OnCallScope, scopeID int64, err error) {
	tenantID, err = h.tenantParam(r, p)
	if err != nil {
		return 0, "", 0, err
	}
	scopeType = models.OnCallScope(r.URL.Query().Get("scope_type"))
	if !models.ValidOnCallScope(scopeType) {
		return 0, "", 0, errs.Validation("unknown on-call scope %q", scopeType)
	}
	scopeID, err = queryID(r, "scope_id")
	if err != nil {
		return 0, "", 0, err
	}
	if scopeID == 0 {
		return 0, "", 0, errs.Validation("scope_id is required")
	}
	return tenantID, scopeType, scopeID, nil
}

// CurrentOnCall answers who covers the scope at the queried instant,
// defaulting to now.
func (h *Handlers) CurrentOnCall(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	tenantID, scopeType, scopeID, err := h.onCallQuery(r, p)
	if err != nil {
		respondErr(w, err)
		return
	}
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(w, errs.Validation("invalid at timestamp %q", raw))
			return
		}
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return h.OnCall.Current(ctx, rd, tenantID, scopeType, scopeID, at)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// OnCallTimeline returns the segment partition of [from, to).
func (h *Handlers) OnCallTimeline(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	tenantID, scopeType, scopeID, err := h.onCallQuery(r, p)
	if err != nil {
		respondErr(w, err)
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		respondErr(w, errs.Validation("invalid from timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		respondErr(w, errs.Validation("invalid to timestamp"))
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		segments, err := h.OnCall.Timeline(ctx, rd, tenantID, scopeType, scopeID, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"segments": segments}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListRotations(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	tenantID, scopeType, scopeID, err := h.onCallQuery(r, p)
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, err := rd.ListRotations(ctx, tenantID, scopeType, scopeID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items, "total": len(items)}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
