package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

func (s *Server) initHandlers() {
	s.handlers = map[string]handlerFunc{
		OpHealthCheck: s.handleHealthCheck,

		OpGraphImpact:   s.handleGraphImpact,
		OpGraphAnalyze:  s.handleGraphAnalyze,
		OpGraphPath:     s.handleGraphPath,
		OpGraphTopology: s.handleGraphTopology,

		OpTenantGet:  s.handleTenantGet,
		OpTenantList: s.handleTenantList,

		OpOrganizationGet:       s.handleOrganizationGet,
		OpOrganizationList:      s.handleOrganizationList,
		OpOrganizationChildren:  s.handleOrganizationChildren,
		OpOrganizationHierarchy: s.handleOrganizationHierarchy,

		OpEntityGet:    s.handleEntityGet,
		OpEntityList:   s.handleEntityList,
		OpEntityCreate: s.handleEntityCreate,
		OpEntityUpdate: s.handleEntityUpdate,
		OpEntityDelete: s.handleEntityDelete,

		OpDependencyList:   s.handleDependencyList,
		OpDependencyCreate: s.handleDependencyCreate,
		OpDependencyDelete: s.handleDependencyDelete,

		OpIdentityGet: s.handleIdentityGet,
		OpIssueGet:    s.handleIssueGet,
		OpIssueList:   s.handleIssueList,
		OpGroupGet:    s.handleGroupGet,
		OpGroupList:   s.handleGroupList,

		OpOnCallCurrent:  s.handleOnCallCurrent,
		OpOnCallTimeline: s.handleOnCallTimeline,

		OpAuditList: s.handleAuditList,

		OpVillageResolve: s.handleVillageResolve,
	}
}

// pagination converts page/per_page args into a store window with the
// same defaults as the HTTP surface.
func (a ListArgs) pagination() (int, int, store.Pagination) {
	page, perPage := a.Page, a.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	return page, perPage, store.Pagination{Offset: (page - 1) * perPage, Limit: perPage}
}

func (a ListArgs) tenantOr(p *models.Identity) int64 {
	if a.TenantID != 0 {
		return a.TenantID
	}
	return p.TenantID
}

func (s *Server) handleHealthCheck(ctx context.Context, _ *models.Identity, _ json.RawMessage) (any, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "store unreachable")
	}
	return map[string]string{"status": "ok"}, nil
}

// ── Graph ────────────────────────────────────────────────────

func (s *Server) handleGraphImpact(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[ImpactArgs](raw)
	if err != nil {
		return nil, err
	}
	direction := args.Direction
	if direction == "" {
		direction = models.Downstream
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		e, err := rd.GetEntity(ctx, args.EntityID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.EntityRes(e.TenantID, e.OrganizationID, e.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		depth := s.cfg.Graph.MaxImpactDepth
		if args.MaxDepth != nil {
			depth = *args.MaxDepth
		}
		return s.pipe.Graph().Impact(ctx, e.TenantID, e.ID, direction, depth)
	})
}

func (s *Server) handleGraphAnalyze(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[AnalyzeArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.TenantID
	if tenantID == 0 {
		tenantID = p.TenantID
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		res := authz.Tenant(tenantID)
		if args.OrganizationID != 0 {
			res = authz.Org(tenantID, args.OrganizationID)
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, res, models.RoleViewer); err != nil {
			return nil, err
		}
		return s.pipe.Graph().Analyze(ctx, tenantID, args.OrganizationID)
	})
}

func (s *Server) handleGraphPath(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[PathArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		src, err := rd.GetEntity(ctx, args.SourceID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(src.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.pipe.Graph().Path(ctx, src.TenantID, args.SourceID, args.TargetID, args.Types)
	})
}

func (s *Server) handleGraphTopology(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[TopologyArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, args.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.pipe.Graph().NetworkTopology(ctx, o.TenantID, o.ID, args.IncludeChildren)
	})
}

// ── Tenants ──────────────────────────────────────────────────

func (s *Server) handleTenantGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(args.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return rd.GetTenant(ctx, args.ID)
	})
}

func (s *Server) handleTenantList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[ListArgs](raw)
	if err != nil {
		return nil, err
	}
	page, perPage, pg := args.pagination()
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
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
}

// ── Organizations ────────────────────────────────────────────

func (s *Server) handleOrganizationGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return o, nil
	})
}

func (s *Server) handleOrganizationList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[ListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListOrganizations(ctx, tenantID, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

func (s *Server) handleOrganizationChildren(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[ChildrenArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, args.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.pipe.Graph().Children(ctx, o.TenantID, o.ID, args.Recursive)
	})
}

func (s *Server) handleOrganizationHierarchy(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		o, err := rd.GetOrganization(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Org(o.TenantID, o.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.pipe.Graph().Hierarchy(ctx, o.TenantID, o.ID)
	})
}

// ── Entities ─────────────────────────────────────────────────

func (s *Server) handleEntityGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		e, err := rd.GetEntity(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.EntityRes(e.TenantID, e.OrganizationID, e.ID), models.RoleViewer); err != nil {
			return nil, err
		}
		return e, nil
	})
}

func (s *Server) handleEntityList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[EntityListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	f := store.EntityFilter{
		OrganizationID: args.OrganizationID,
		Type:           args.Type,
		Name:           args.Name,
		Tag:            args.Tag,
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListEntities(ctx, tenantID, f, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

func (s *Server) handleEntityCreate(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[EntityCreateArgs](raw)
	if err != nil {
		return nil, err
	}
	if !models.ValidEntityType(args.Type) {
		return nil, errs.Validation("unknown entity type %q", args.Type)
	}
	return s.pipe.Mutate(ctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		org, err := req.Tx.GetOrganization(ctx, args.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, req.Tx, p, authz.Org(org.TenantID, org.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		tenant, err := req.Tx.GetTenant(ctx, org.TenantID)
		if err != nil {
			return nil, err
		}
		e := &models.Entity{
			TenantID:       org.TenantID,
			OrganizationID: org.ID,
			Type:           args.Type,
			Name:           args.Name,
			Attributes:     args.Attributes,
			Tags:           args.Tags,
			IsActive:       true,
		}
		vid, err := s.villages.Allocate(ctx, req.Tx, models.KindEntity, tenant, org)
		if err != nil {
			return nil, err
		}
		e.VillageID = vid
		if err := req.Tx.InsertEntity(ctx, e); err != nil {
			return nil, err
		}
		if err := s.villages.Register(ctx, req.Tx, vid, models.KindEntity, e.ID, e.TenantID); err != nil {
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

func (s *Server) handleEntityUpdate(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[EntityUpdateArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Mutate(ctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetEntity(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, req.Tx, p, authz.EntityRes(cur.TenantID, cur.OrganizationID, cur.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		next := *cur
		next.OrganizationID = args.OrganizationID
		next.Type = args.Type
		next.Name = args.Name
		next.Attributes = args.Attributes
		next.Tags = args.Tags
		if args.IsActive != nil {
			next.IsActive = *args.IsActive
		}
		next.Revision = args.Revision
		if err := req.Tx.UpdateEntity(ctx, &next); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "entity.update",
			ResourceType: "entity",
			ResourceID:   cur.ID,
			Before:       cur,
			After:        &next,
			Payload:      &next,
		}, nil
	})
}

func (s *Server) handleEntityDelete(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Mutate(ctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetEntity(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, req.Tx, p, authz.EntityRes(cur.TenantID, cur.OrganizationID, cur.ID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteEntity(ctx, args.ID); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "entity.delete",
			ResourceType: "entity",
			ResourceID:   args.ID,
			Before:       cur,
			Payload:      map[string]bool{"deleted": true},
		}, nil
	})
}

// ── Dependencies ─────────────────────────────────────────────

func (s *Server) handleDependencyList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[DependencyListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	f := store.DependencyFilter{
		SourceEntityID: args.SourceEntityID,
		TargetEntityID: args.TargetEntityID,
		Type:           args.Type,
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListDependencies(ctx, tenantID, f, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

func (s *Server) handleDependencyCreate(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[DependencyCreateArgs](raw)
	if err != nil {
		return nil, err
	}
	if !models.ValidDependencyType(args.Type) {
		return nil, errs.Validation("unknown dependency type %q", args.Type)
	}
	if args.SourceEntityID == args.TargetEntityID {
		return nil, errs.Validation("dependency endpoints must be distinct")
	}
	return s.pipe.Mutate(ctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		src, err := req.Tx.GetEntity(ctx, args.SourceEntityID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, req.Tx, p, authz.Org(src.TenantID, src.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		dst, err := req.Tx.GetEntity(ctx, args.TargetEntityID)
		if err != nil {
			return nil, err
		}
		if dst.TenantID != src.TenantID {
			return nil, errs.Conflict(errs.ReasonForeignKey, "dependency endpoints cross tenants")
		}
		if err := s.pipe.Graph().CheckEdge(ctx, req.Tx, src.TenantID, src.ID, dst.ID, args.Type); err != nil {
			return nil, err
		}
		d := &models.Dependency{
			TenantID:       src.TenantID,
			SourceEntityID: src.ID,
			TargetEntityID: dst.ID,
			Type:           args.Type,
			Metadata:       args.Metadata,
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
}

func (s *Server) handleDependencyDelete(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Mutate(ctx, p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetDependency(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		src, err := req.Tx.GetEntity(ctx, cur.SourceEntityID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, req.Tx, p, authz.Org(src.TenantID, src.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteDependency(ctx, args.ID); err != nil {
			return nil, err
		}
		req.Invalidate(cur.TenantID, cache.SubjectEntityGraph)
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "dependency.delete",
			ResourceType: "dependency",
			ResourceID:   args.ID,
			Before:       cur,
			Payload:      map[string]bool{"deleted": true},
		}, nil
	})
}

// ── Other reads ──────────────────────────────────────────────

func (s *Server) handleIdentityGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		i, err := rd.GetIdentity(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(i.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		out := *i
		out.CredentialFingerprint = ""
		out.CredentialRotatedAt = nil
		return &out, nil
	})
}

func (s *Server) handleIssueGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		i, err := rd.GetIssue(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(i.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return i, nil
	})
}

func (s *Server) handleIssueList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IssueListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	f := store.IssueFilter{
		OrganizationID: args.OrganizationID,
		Status:         args.Status,
		AssigneeID:     args.AssigneeID,
		Label:          args.Label,
		EntityID:       args.EntityID,
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListIssues(ctx, tenantID, f, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

func (s *Server) handleGroupGet(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[IDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		g, err := rd.GetGroup(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(g.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return g, nil
	})
}

func (s *Server) handleGroupList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[ListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListGroups(ctx, tenantID, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

// ── On-call ──────────────────────────────────────────────────

func (s *Server) handleOnCallCurrent(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[OnCallArgs](raw)
	if err != nil {
		return nil, err
	}
	if !models.ValidOnCallScope(args.ScopeType) {
		return nil, errs.Validation("unknown on-call scope %q", args.ScopeType)
	}
	tenantID := args.TenantID
	if tenantID == 0 {
		tenantID = p.TenantID
	}
	at := time.Now().UTC()
	if args.At != nil {
		at = *args.At
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.oncall.Current(ctx, rd, tenantID, args.ScopeType, args.ScopeID, at)
	})
}

func (s *Server) handleOnCallTimeline(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[OnCallArgs](raw)
	if err != nil {
		return nil, err
	}
	if !models.ValidOnCallScope(args.ScopeType) {
		return nil, errs.Validation("unknown on-call scope %q", args.ScopeType)
	}
	if args.From == nil || args.To == nil {
		return nil, errs.Validation("from and to are required")
	}
	tenantID := args.TenantID
	if tenantID == 0 {
		tenantID = p.TenantID
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return s.oncall.Timeline(ctx, rd, tenantID, args.ScopeType, args.ScopeID, *args.From, *args.To)
	})
}

// ── Audit ────────────────────────────────────────────────────

func (s *Server) handleAuditList(ctx context.Context, p *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[AuditListArgs](raw)
	if err != nil {
		return nil, err
	}
	tenantID := args.tenantOr(p)
	page, perPage, pg := args.pagination()
	f := models.AuditFilter{
		TenantID:     tenantID,
		PrincipalID:  args.PrincipalID,
		ResourceType: args.ResourceType,
		ResourceID:   args.ResourceID,
		Action:       args.Action,
		Since:        args.Since,
		Until:        args.Until,
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		if err := s.pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		items, total, err := s.pipe.Audit().Query(ctx, rd, f, pg)
		if err != nil {
			return nil, err
		}
		return models.NewPage(items, total, page, perPage), nil
	})
}

// ── Village-ID ───────────────────────────────────────────────

func (s *Server) handleVillageResolve(ctx context.Context, _ *models.Identity, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[VillageResolveArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.pipe.Read(ctx, func(ctx context.Context, rd store.Reader) (any, error) {
		return s.villages.Resolve(ctx, rd, args.VillageID)
	})
}
