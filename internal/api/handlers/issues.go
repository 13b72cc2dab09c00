package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type createIssueRequest struct {
	TenantID       int64                `json:"tenant_id" validate:"required,min=1"`
	OrganizationID *int64               `json:"organization_id"`
	ProjectID      *int64               `json:"project_id"`
	MilestoneID    *int64               `json:"milestone_id"`
	Title          string               `json:"title" validate:"required,min=1,max=500"`
	Description    string               `json:"description"`
	Priority       models.IssuePriority `json:"priority" validate:"min=0,max=3"`
	Severity       string               `json:"severity"`
	AssigneeID     *int64               `json:"assignee_id"`
	IsIncident     bool                 `json:"is_incident"`
	Labels         []string             `json:"labels"`
	EntityIDs      []int64              `json:"entity_ids"`
}

type updateIssueRequest struct {
	Title       string               `json:"title" validate:"required,min=1,max=500"`
	Description string               `json:"description"`
	Status      models.IssueStatus   `json:"status" validate:"required"`
	Priority    models.IssuePriority `json:"priority" validate:"min=0,max=3"`
	Severity    string               `json:"severity"`
	AssigneeID  *int64               `json:"assignee_id"`
	MilestoneID *int64               `json:"milestone_id"`
	ProjectID   *int64               `json:"project_id"`
	Labels      []string             `json:"labels"`
	EntityIDs   []int64              `json:"entity_ids"`
	Revision    int64                `json:"revision" validate:"required,min=1"`
}

// issueScope is the authorization scope of an issue: its organization when
// set, otherwise the whole tenant.
func issueScope(tenantID int64, orgID *int64) authz.Resource {
	if orgID != nil {
		return authz.Org(tenantID, *orgID)
	}
	return authz.Tenant(tenantID)
}

func (h *Handlers) CreateIssue(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createIssueRequest
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
		i := &models.Issue{
			TenantID:       in.TenantID,
			OrganizationID: in.OrganizationID,
			ProjectID:      in.ProjectID,
			MilestoneID:    in.MilestoneID,
			Title:          in.Title,
			Description:    in.Description,
			Status:         models.IssueOpen,
			Priority:       in.Priority,
			Severity:       in.Severity,
			AssigneeID:     in.AssigneeID,
			IsIncident:     in.IsIncident,
			Labels:         in.Labels,
			EntityIDs:      in.EntityIDs,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindIssue, tenant, nil)
		if err != nil {
			return nil, err
		}
		i.VillageID = vid
		if err := req.Tx.InsertIssue(ctx, i); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindIssue, i.ID, i.TenantID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     i.TenantID,
			Action:       "issue.create",
			ResourceType: "issue",
			ResourceID:   i.ID,
			After:        i,
			Payload:      i,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) GetIssue(w http.ResponseWriter, r *http.Request) {
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
		i, err := rd.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, issueScope(i.TenantID, i.OrganizationID), models.RoleViewer); err != nil {
			return nil, err
		}
		return i, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListIssues(w http.ResponseWriter, r *http.Request) {
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
	assigneeID, err := queryID(r, "assignee_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	entityID, err := queryID(r, "entity_id")
	if err != nil {
		respondErr(w, err)
		return
	}
	page, perPage, pg, err := h.pageParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	f := store.IssueFilter{
		OrganizationID: orgID,
		Status:         models.IssueStatus(r.URL.Query().Get("status")),
		AssigneeID:     assigneeID,
		Label:          r.URL.Query().Get("label"),
		EntityID:       entityID,
	}
	if raw := r.URL.Query().Get("is_incident"); raw != "" {
		incident := raw == "true" || raw == "1"
		f.IsIncident = &incident
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, total, err := rd.ListIssues(ctx, tenantID, f, pg)
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

func (h *Handlers) UpdateIssue(w http.ResponseWriter, r *http.Request) {
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
	var in updateIssueRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidIssueStatus(in.Status) {
		respondErr(w, errs.Validation("unknown issue status %q", in.Status))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, issueScope(cur.TenantID, cur.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}

		next := *cur
		next.Title = in.Title
		next.Description = in.Description
		next.Status = in.Status
		next.Priority = in.Priority
		next.Severity = in.Severity
		next.AssigneeID = in.AssigneeID
		next.MilestoneID = in.MilestoneID
		next.ProjectID = in.ProjectID
		next.Labels = in.Labels
		next.EntityIDs = in.EntityIDs
		next.Revision = in.Revision
		if err := req.Tx.UpdateIssue(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "issue.update",
			ResourceType: "issue",
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

func (h *Handlers) DeleteIssue(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, issueScope(cur.TenantID, cur.OrganizationID), models.RoleOperator); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteIssue(ctx, id); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "issue.delete",
			ResourceType: "issue",
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

// ── Issue comments ───────────────────────────────────────────

type createCommentRequest struct {
	Body string `json:"body" validate:"required,min=1"`
}

// CreateIssueComment appends a comment. Comments are never edited or
// deleted through the API.
func (h *Handlers) CreateIssueComment(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	issueID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createCommentRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		issue, err := req.Tx.GetIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, issueScope(issue.TenantID, issue.OrganizationID), models.RoleViewer); err != nil {
			return nil, err
		}
		c := &models.IssueComment{
			IssueID:  issueID,
			AuthorID: p.ID,
			Body:     in.Body,
		}
		if err := req.Tx.InsertIssueComment(ctx, c); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     issue.TenantID,
			Action:       "issue.comment",
			ResourceType: "issue",
			ResourceID:   issueID,
			After:        c,
			Payload:      c,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) ListIssueComments(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	issueID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		issue, err := rd.GetIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, issueScope(issue.TenantID, issue.OrganizationID), models.RoleViewer); err != nil {
			return nil, err
		}
		items, err := rd.ListIssueComments(ctx, issueID)
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
