package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Impact runs the depth-capped BFS from an entity.
func (h *Handlers) Impact(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	entityID, err := queryID(r, "entity_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	if entityID == 0 {
		respondErr(w, errs.Validation("entity_id is required"))
		return
	}
	direction := models.ImpactDirection(r.URL.Query().Get("direction"))
	if direction == "" {
		direction = models.Downstream
	}
	maxDepth := h.Cfg.Graph.MaxImpactDepth
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		maxDepth, err = strconv.Atoi(raw)
		if err != nil || maxDepth < 0 {
			respondErr(w, errs.Validation("max_depth must be a non-negative integer"))
			return
		}
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		e, err := rd.GetEntity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.EntityRes(e.TenantID, e.OrganizationID, e.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		nodes, err := h.Pipe.Graph().Impact(ctx, e.TenantID, entityID, direction, maxDepth)
		if err != nil {
			return nil, err
		}
		return map[string]any{"nodes": nodes, "total": len(nodes)}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// Analyze summarizes the dependency graph of the tenant or one subtree.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
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

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		res := authz.Tenant(tenantID)
		if orgID != 0 {
			res = authz.Org(tenantID, orgID)
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, res, models.RoleViewer); err != nil {
			return nil, err
		}
		return h.Pipe.Graph().Analyze(ctx, tenantID, orgID)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// Path finds the shortest unweighted path between two entities, optionally
// restricted to an edge-type filter.
func (h *Handlers) Path(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	sourceID, err := queryID(r, "source_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	targetID, err := queryID(r, "target_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	if sourceID == 0 || targetID == 0 {
		respondErr(w, errs.Validation("source_id and target_id are required"))
		return
	}
	var filter []models.DependencyType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			dt := models.DependencyType(strings.TrimSpace(t))
			if !models.ValidDependencyType(dt) {
				respondErr(w, errs.Validation("unknown dependency type %q", dt))
				return
			}
			filter = append(filter, dt)
		}
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		src, err := rd.GetEntity(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(src.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return h.Pipe.Graph().Path(ctx, src.TenantID, sourceID, targetID, filter)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// Topology returns the network-restricted subgraph of an organization.
func (h *Handlers) Topology(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	orgID, err := queryID(r, "organization_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	if orgID == 0 {
		respondErr(w, errs.Validation("organization_id is required"))
		return
	}
	includeChildren := queryBool(r, "include_children")

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return h.Pipe.Graph().NetworkTopology(ctx, o.TenantID, orgID, includeChildren)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
