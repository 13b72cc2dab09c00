package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// ListAuditRecords reads the trail. Tenant admins see everything; others
// need operator on the specific resource they are filtering by.
func (h *Handlers) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
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
	principalID, err := queryID(r, "principal_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	resourceID, err := queryID(r, "resource_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	f := models.AuditFilter{
		TenantID:     tenantID,
		PrincipalID:  principalID,
		ResourceType: r.URL.Query().Get("resource_type"),
		ResourceID:   resourceID,
		Action:       r.URL.Query().Get("action"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(w, errs.Validation("invalid since timestamp"))
			return
		}
		f.Since = &t
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(w, errs.Validation("invalid until timestamp"))
			return
		}
		f.Until = &t
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.auditReadAllowed(ctx, rd, p, f); err != nil {
			return nil, err
		}
		items, total, err := h.Pipe.Audit().Query(ctx, rd, f, pg)
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

// auditReadAllowed grants trail access to tenant admins, or to operators
// on the exact resource the filter names.
func (h *Handlers) auditReadAllowed(ctx context.Context, rd store.Reader, p *models.Identity, f models.AuditFilter) error {
	adminErr := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(f.TenantID), models.RoleAdmin)
	if adminErr == nil {
		return nil
	}
	if f.ResourceType == "" || f.ResourceID == 0 {
		return adminErr
	}
	res, err := h.auditResourceScope(ctx, rd, f)
	if err != nil {
		return err
	}
	return h.Pipe.Authz().Require(ctx, rd, p, res, models.RoleOperator)
}

func (h *Handlers) auditResourceScope(ctx context.Context, rd store.Reader, f models.AuditFilter) (authz.Resource, error) {
	switch f.ResourceType {
	case "entity":
		e, err := rd.GetEntity(ctx, f.ResourceID)
		if err != nil {
			return authz.Resource{}, err
		}
		return authz.EntityRes(e.TenantID, e.OrganizationID, e.ID), nil
	case "organization":
		return authz.Org(f.TenantID, f.ResourceID), nil
	default:
		return authz.Tenant(f.TenantID), nil
	}
}

// PurgeAuditRecords trims records past the retention window and writes a
// purge meta-record in the same transaction.
func (h *Handlers) PurgeAuditRecords(w http.ResponseWriter, r *http.Request) {
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
		removed, err := h.Pipe.Audit().Purge(ctx, req.Tx, tenantID, p.ID, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		// Purge writes its own meta-record; skipping the pipeline's audit
		// append keeps it at exactly one record per purge.
		return &pipeline.Result{
			TenantID: tenantID,
			NoOp:     true,
			Payload:  map[string]any{"removed": removed},
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
