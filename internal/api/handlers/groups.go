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

type createGroupRequest struct {
	TenantID          int64                `json:"tenant_id" validate:"required,min=1"`
	Name              string               `json:"name" validate:"required,min=1,max=255"`
	OwnerIdentityID   int64                `json:"owner_identity_id" validate:"required,min=1"`
	OwnerIDs          []int64              `json:"owner_ids"`
	ApprovalMode      models.ApprovalMode  `json:"approval_mode" validate:"required,oneof=any all threshold"`
	ApprovalThreshold int                  `json:"approval_threshold" validate:"min=0"`
	Provider          models.GroupProvider `json:"provider" validate:"required,oneof=internal ldap okta"`
	SyncEnabled       bool                 `json:"sync_enabled"`
}

type updateGroupRequest struct {
	Name              string              `json:"name" validate:"required,min=1,max=255"`
	OwnerIdentityID   int64               `json:"owner_identity_id" validate:"required,min=1"`
	OwnerIDs          []int64             `json:"owner_ids"`
	ApprovalMode      models.ApprovalMode `json:"approval_mode" validate:"required,oneof=any all threshold"`
	ApprovalThreshold int                 `json:"approval_threshold" validate:"min=0"`
	SyncEnabled       *bool               `json:"sync_enabled"`
	Revision          int64               `json:"revision" validate:"required,min=1"`
}

func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createGroupRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if in.ApprovalMode == models.ApprovalThreshold && in.ApprovalThreshold < 1 {
		respondErr(w, errs.Validation("threshold mode requires approval_threshold >= 1"))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(in.TenantID), models.RoleMaintainer); err != nil {
			return nil, err
		}
		tenant, err := req.Tx.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		g := &models.Group{
			TenantID:          in.TenantID,
			Name:              in.Name,
			OwnerIdentityID:   in.OwnerIdentityID,
			OwnerIDs:          in.OwnerIDs,
			ApprovalMode:      in.ApprovalMode,
			ApprovalThreshold: in.ApprovalThreshold,
			Provider:          in.Provider,
			SyncEnabled:       in.SyncEnabled,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindGroup, tenant, nil)
		if err != nil {
			return nil, err
		}
		g.VillageID = vid
		if err := req.Tx.InsertGroup(ctx, g); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindGroup, g.ID, g.TenantID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     g.TenantID,
			Action:       "group.create",
			ResourceType: "group",
			ResourceID:   g.ID,
			After:        g,
			Payload:      g,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
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
		g, err := rd.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(g.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return g, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
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
		items, total, err := rd.ListGroups(ctx, tenantID, pg)
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

func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
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
	var in updateGroupRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cur.IsOwner(p.ID) {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(cur.TenantID), models.RoleMaintainer); err != nil {
				return nil, err
			}
		}
		next := *cur
		next.Name = in.Name
		next.OwnerIdentityID = in.OwnerIdentityID
		next.OwnerIDs = in.OwnerIDs
		next.ApprovalMode = in.ApprovalMode
		next.ApprovalThreshold = in.ApprovalThreshold
		if in.SyncEnabled != nil {
			next.SyncEnabled = *in.SyncEnabled
		}
		next.Revision = in.Revision
		if err := req.Tx.UpdateGroup(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "group.update",
			ResourceType: "group",
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

func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(cur.TenantID), models.RoleMaintainer); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteGroup(ctx, id); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.MembershipSubject(id))
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "group.delete",
			ResourceType: "group",
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

func (h *Handlers) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
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
		g, err := rd.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(g.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, err := rd.ListGroupMembers(ctx, id)
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

// ── Access requests ──────────────────────────────────────────

type submitRequestRequest struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type decideRequest struct {
	Decision models.Decision `json:"decision" validate:"required,oneof=approve deny"`
	Comment  string          `json:"comment"`
}

// SubmitAccessRequest opens a membership request for the caller.
func (h *Handlers) SubmitAccessRequest(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var in submitRequestRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		g, err := req.Tx.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(g.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		ar, err := h.Groups.Submit(ctx, req.Tx, g, p.ID, in.Reason, in.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     g.TenantID,
			Action:       "group.request.submit",
			ResourceType: "access_request",
			ResourceID:   ar.ID,
			After:        ar,
			Payload:      ar,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

// DecideAccessRequest records one owner's approve/deny and applies the
// aggregation rule. Admission happens in the same transaction.
func (h *Handlers) DecideAccessRequest(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	requestID, err := pathID(chi.URLParam(r, "requestID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var in decideRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		g, err := req.Tx.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		ar, err := req.Tx.GetAccessRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if ar.GroupID != g.ID {
			return nil, errs.NotFound("access request", requestID)
		}
		before := *ar
		next, err := h.Groups.Decide(ctx, req.Tx, g, ar, p.ID, in.Decision, in.Comment)
		if err != nil {
			return nil, err
		}
		if next.State == models.RequestApproved && before.State != models.RequestApproved {
			req.Invalidate(g.TenantID, cache.MembershipSubject(g.ID))
		}
		return &pipeline.Result{
			TenantID:     g.TenantID,
			Action:       "group.request." + string(in.Decision),
			ResourceType: "access_request",
			ResourceID:   requestID,
			Before:       &before,
			After:        next,
			Payload:      next,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// RevokeAccessRequest withdraws an approved membership.
func (h *Handlers) RevokeAccessRequest(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	requestID, err := pathID(chi.URLParam(r, "requestID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		g, err := req.Tx.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if !g.IsOwner(p.ID) {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(g.TenantID), models.RoleAdmin); err != nil {
				return nil, err
			}
		}
		ar, err := req.Tx.GetAccessRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if ar.GroupID != g.ID {
			return nil, errs.NotFound("access request", requestID)
		}
		before := *ar
		if err := h.Groups.Revoke(ctx, req.Tx, g, ar); err != nil {
			return nil, err
		}
		req.Invalidate(g.TenantID, cache.MembershipSubject(g.ID))
		return &pipeline.Result{
			TenantID:     g.TenantID,
			Action:       "group.request.revoke",
			ResourceType: "access_request",
			ResourceID:   requestID,
			Before:       &before,
			After:        ar,
			Payload:      ar,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListAccessRequests(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	groupID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	state := models.RequestState(r.URL.Query().Get("state"))

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		g, err := rd.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(g.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListAccessRequests(ctx, groupID, state, pg)
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

// SweepExpiredRequests expires past-due requests and memberships for the
// caller's tenant. Admin only; meant for the retention cron.
func (h *Handlers) SweepExpiredRequests(w http.ResponseWriter, r *http.Request) {
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

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(tenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		n, err := h.Groups.SweepExpired(ctx, req.Tx, tenantID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return &pipeline.Result{TenantID: tenantID, NoOp: true, Payload: map[string]any{"expired": 0}}, nil
		}
		return &pipeline.Result{
			TenantID:     tenantID,
			Action:       "group.request.sweep",
			ResourceType: "access_request",
			Payload:      map[string]any{"expired": n},
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
