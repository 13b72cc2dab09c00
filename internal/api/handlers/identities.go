package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type createIdentityRequest struct {
	TenantID     int64               `json:"tenant_id" validate:"required,min=1"`
	Username     string              `json:"username" validate:"required,min=1,max=255"`
	Email        string              `json:"email" validate:"omitempty,email"`
	Type         models.IdentityType `json:"identity_type" validate:"required,oneof=human service_account"`
	AuthProvider string              `json:"auth_provider" validate:"required"`
	PortalRole   models.Role         `json:"portal_role" validate:"required"`
	MFAEnabled   bool                `json:"mfa_enabled"`
}

type updateIdentityRequest struct {
	Email      string      `json:"email" validate:"omitempty,email"`
	PortalRole models.Role `json:"portal_role" validate:"required"`
	IsActive   *bool       `json:"is_active"`
	MFAEnabled *bool       `json:"mfa_enabled"`
	Revision   int64       `json:"revision" validate:"required,min=1"`
}

// CreateIdentity provisions a principal. Identity management is admin
// territory, and nobody grants a portal role above their own.
func (h *Handlers) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createIdentityRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidRole(in.PortalRole) {
		respondErr(w, errs.Validation("unknown role %q", in.PortalRole))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(in.TenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		if in.PortalRole.Rank() > p.PortalRole.Rank() {
			return nil, errs.Forbidden(errs.ReasonInsufficientRole, "cannot grant portal role %s above own", in.PortalRole)
		}
		tenant, err := req.Tx.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		i := &models.Identity{
			TenantID:     in.TenantID,
			Username:     in.Username,
			Email:        in.Email,
			Type:         in.Type,
			AuthProvider: in.AuthProvider,
			PortalRole:   in.PortalRole,
			MFAEnabled:   in.MFAEnabled,
			IsActive:     true,
		}
		vid, err := h.Villages.Allocate(ctx, req.Tx, models.KindIdentity, tenant, nil)
		if err != nil {
			return nil, err
		}
		i.VillageID = vid
		if err := req.Tx.InsertIdentity(ctx, i); err != nil {
			return nil, err
		}
		if err := h.Villages.Register(ctx, req.Tx, vid, models.KindIdentity, i.ID, i.TenantID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     i.TenantID,
			Action:       "identity.create",
			ResourceType: "identity",
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

func (h *Handlers) GetIdentity(w http.ResponseWriter, r *http.Request) {
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
		i, err := rd.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(i.TenantID), models.RoleViewer); err != nil {
			return nil, err
		}
		return h.redactIdentity(ctx, rd, p, i), nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) ListIdentities(w http.ResponseWriter, r *http.Request) {
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
		items, total, err := rd.ListIdentities(ctx, tenantID, pg)
		if err != nil {
			return nil, err
		}
		out := make([]models.Identity, len(items))
		for idx := range items {
			out[idx] = *h.redactIdentity(ctx, rd, p, &items[idx])
		}
		return models.NewPage(out, total, page, perPage), nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handlers) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
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
	var in updateIdentityRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidRole(in.PortalRole) {
		respondErr(w, errs.Validation("unknown role %q", in.PortalRole))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		cur, err := req.Tx.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(cur.TenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		if in.PortalRole.Rank() > p.PortalRole.Rank() {
			return nil, errs.Forbidden(errs.ReasonInsufficientRole, "cannot grant portal role %s above own", in.PortalRole)
		}

		next := *cur
		next.Email = in.Email
		next.PortalRole = in.PortalRole
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		if in.MFAEnabled != nil {
			next.MFAEnabled = *in.MFAEnabled
		}
		if in.Revision == cur.Revision && next.Email == cur.Email &&
			next.PortalRole == cur.PortalRole && next.IsActive == cur.IsActive &&
			next.MFAEnabled == cur.MFAEnabled {
			return &pipeline.Result{TenantID: cur.TenantID, NoOp: true, Payload: cur}, nil
		}
		next.Revision = in.Revision
		if err := req.Tx.UpdateIdentity(ctx, &next); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "identity.update",
			ResourceType: "identity",
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

func (h *Handlers) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
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
		cur, err := req.Tx.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(cur.TenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteIdentity(ctx, id); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     cur.TenantID,
			Action:       "identity.delete",
			ResourceType: "identity",
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

// redactIdentity blanks credential metadata unless the caller may read
// sensitive fields.
func (h *Handlers) redactIdentity(ctx context.Context, rd store.Reader, p *models.Identity, i *models.Identity) *models.Identity {
	if err := h.Pipe.Authz().RequireSensitive(ctx, rd, p, authz.Tenant(i.TenantID)); err != nil {
		out := *i
		out.CredentialFingerprint = ""
		out.CredentialRotatedAt = nil
		return &out
	}
	return i
}

// ── Resource roles ───────────────────────────────────────────

type upsertRoleRequest struct {
	TenantID   int64            `json:"tenant_id" validate:"required,min=1"`
	IdentityID int64            `json:"identity_id" validate:"required,min=1"`
	ScopeType  models.ScopeType `json:"scope_type" validate:"required"`
	ScopeID    int64            `json:"scope_id" validate:"required,min=1"`
	Role       models.Role      `json:"role" validate:"required"`
}

func (h *Handlers) UpsertResourceRole(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in upsertRoleRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !models.ValidScopeType(in.ScopeType) {
		respondErr(w, errs.Validation("unknown scope type %q", in.ScopeType))
		return
	}
	if !models.ValidRole(in.Role) {
		respondErr(w, errs.Validation("unknown role %q", in.Role))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(in.TenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		role := &models.ResourceRole{
			TenantID:   in.TenantID,
			IdentityID: in.IdentityID,
			ScopeType:  in.ScopeType,
			ScopeID:    in.ScopeID,
			Role:       in.Role,
		}
		if err := req.Tx.UpsertRole(ctx, role); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     in.TenantID,
			Action:       "resource_role.upsert",
			ResourceType: "resource_role",
			ResourceID:   role.ID,
			After:        role,
			Payload:      role,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) ListResourceRoles(w http.ResponseWriter, r *http.Request) {
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
		if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(tenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		items, total, err := rd.ListRoles(ctx, tenantID, pg)
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

func (h *Handlers) DeleteResourceRole(w http.ResponseWriter, r *http.Request) {
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
		if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(p.TenantID), models.RoleAdmin); err != nil {
			return nil, err
		}
		if err := req.Tx.DeleteRole(ctx, id); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     p.TenantID,
			Action:       "resource_role.delete",
			ResourceType: "resource_role",
			ResourceID:   id,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// ── API tokens ───────────────────────────────────────────────

type createTokenRequest struct {
	IdentityID int64            `json:"identity_id" validate:"required,min=1"`
	Kind       models.TokenKind `json:"kind" validate:"required,oneof=api_key session refresh"`
	Name       string           `json:"name" validate:"max=255"`
	TTLSeconds int64            `json:"ttl_seconds" validate:"min=0"`
}

type createTokenResponse struct {
	Token    string           `json:"token"`
	TokenID  int64            `json:"token_id"`
	Kind     models.TokenKind `json:"kind"`
	Expires  *time.Time       `json:"expires_at,omitempty"`
	Identity int64            `json:"identity_id"`
}

// CreateToken mints a bearer credential. The raw token appears exactly
// once in this response; only its fingerprint is stored. Identities may
// mint their own tokens, admins may mint for anyone in the tenant.
func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in createTokenRequest
	if err := h.decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}

	raw, err := newRawToken()
	if err != nil {
		respondErr(w, errs.Internal(err))
		return
	}

	payload, err := h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		subject, err := req.Tx.GetIdentity(ctx, in.IdentityID)
		if err != nil {
			return nil, err
		}
		if subject.ID != p.ID {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(subject.TenantID), models.RoleAdmin); err != nil {
				return nil, err
			}
		}

		t := &models.APIToken{
			TenantID:    subject.TenantID,
			IdentityID:  subject.ID,
			Kind:        in.Kind,
			Name:        in.Name,
			Fingerprint: middleware.Fingerprint(raw),
		}
		if in.TTLSeconds > 0 {
			exp := time.Now().UTC().Add(time.Duration(in.TTLSeconds) * time.Second)
			t.ExpiresAt = &exp
		}
		if err := req.Tx.InsertToken(ctx, t); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     subject.TenantID,
			Action:       "token.create",
			ResourceType: "token",
			ResourceID:   t.ID,
			After:        t,
			Payload: &createTokenResponse{
				Token:    raw,
				TokenID:  t.ID,
				Kind:     t.Kind,
				Expires:  t.ExpiresAt,
				Identity: t.IdentityID,
			},
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (h *Handlers) ListTokens(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	identityID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	payload, err := h.Pipe.Read(r.Context(), func(ctx context.Context, rd store.Reader) (any, error) {
		subject, err := rd.GetIdentity(ctx, identityID)
		if err != nil {
			return nil, err
		}
		if subject.ID != p.ID {
			if err := h.Pipe.Authz().Require(ctx, rd, p, authz.Tenant(subject.TenantID), models.RoleAdmin); err != nil {
				return nil, err
			}
		}
		items, err := rd.ListTokensByIdentity(ctx, identityID)
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

func (h *Handlers) DeleteToken(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	identityID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	tokenID, err := pathID(chi.URLParam(r, "tokenID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	_, err = h.Pipe.Mutate(r.Context(), p, func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
		subject, err := req.Tx.GetIdentity(ctx, identityID)
		if err != nil {
			return nil, err
		}
		if subject.ID != p.ID {
			if err := h.Pipe.Authz().Require(ctx, req.Tx, p, authz.Tenant(subject.TenantID), models.RoleAdmin); err != nil {
				return nil, err
			}
		}
		if err := req.Tx.DeleteToken(ctx, tokenID); err != nil {
			return nil, err
		}
		return &pipeline.Result{
			TenantID:     subject.TenantID,
			Action:       "token.delete",
			ResourceType: "token",
			ResourceID:   tokenID,
		}, nil
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// newRawToken draws 32 random bytes, hex-encoded with a stable prefix so
// leaked credentials are recognizable in scans.
func newRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "elder_" + hex.EncodeToString(buf), nil
}
