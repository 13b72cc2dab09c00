package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elder-platform/elder/internal/api"
	"github.com/elder-platform/elder/internal/api/handlers"
	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/graph"
	"github.com/elder-platform/elder/internal/groups"
	"github.com/elder-platform/elder/internal/oncall"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/villageid"
	"github.com/elder-platform/elder/pkg/models"
)

const (
	adminToken = "test-admin-credential"
	opToken    = "test-operator-credential"
)

type env struct {
	store  store.Store
	srv    *httptest.Server
	tenant *models.Tenant
	admin  *models.Identity
	op     *models.Identity
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := &config.Config{
		Version: "test",
		Graph: config.GraphConfig{
			MaxHierarchyDepth:  64,
			MaxImpactDepth:     16,
			HardImpactDepthCap: 128,
			AnalyzeTimeout:     time.Minute,
		},
		Requests: config.RequestConfig{
			Timeout:         30 * time.Second,
			PageSizeDefault: 50,
			PageSizeMax:     1000,
		},
	}
	s := store.NewMemoryStore()
	pipe := pipeline.New(pipeline.Deps{
		Store: s,
		Authz: authz.New(cfg.Graph.MaxHierarchyDepth),
		Graph: graph.New(s, graph.Config{
			MaxHierarchyDepth:  cfg.Graph.MaxHierarchyDepth,
			MaxImpactDepth:     cfg.Graph.MaxImpactDepth,
			HardImpactDepthCap: cfg.Graph.HardImpactDepthCap,
			AnalyzeTimeout:     cfg.Graph.AnalyzeTimeout,
		}),
		Audit:       audit.New(365 * 24 * time.Hour),
		Invalidator: cache.New(),
	})
	h := handlers.New(pipe, villageid.NewAllocator(), oncall.New(), groups.New(nil, 0), cfg)
	limiter := middleware.NewRateLimiter(cfg.Requests.PerTenantQPSSoftCap)
	t.Cleanup(limiter.Close)
	srv := httptest.NewServer(api.NewRouter(cfg, s, h, limiter))
	t.Cleanup(srv.Close)

	e := &env{store: s, srv: srv}
	e.seed(t)
	return e
}

// seed writes the baseline fixture directly through the store: one tenant,
// a tenant admin and a grantless identity, each with an API token.
func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	e.tenant = &models.Tenant{VillageCode: "00a1", Name: "acme", IsActive: true}
	if err := tx.InsertTenant(ctx, e.tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}

	e.admin = &models.Identity{
		TenantID:     e.tenant.ID,
		Username:     "root",
		Type:         models.IdentityHuman,
		AuthProvider: "local",
		PortalRole:   models.RoleAdmin,
		IsActive:     true,
	}
	e.op = &models.Identity{
		TenantID:     e.tenant.ID,
		Username:     "fieldtech",
		Type:         models.IdentityHuman,
		AuthProvider: "local",
		IsActive:     true,
	}
	for _, id := range []*models.Identity{e.admin, e.op} {
		if err := tx.InsertIdentity(ctx, id); err != nil {
			t.Fatalf("insert identity %s: %v", id.Username, err)
		}
	}
	for raw, id := range map[string]*models.Identity{adminToken: e.admin, opToken: e.op} {
		tok := &models.APIToken{
			TenantID:    e.tenant.ID,
			IdentityID:  id.ID,
			Kind:        models.TokenAPIKey,
			Fingerprint: middleware.Fingerprint(raw),
			Name:        id.Username,
		}
		if err := tx.InsertToken(ctx, tok); err != nil {
			t.Fatalf("insert token for %s: %v", id.Username, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

// do issues a request against the test server and decodes the JSON response
// into out when out is non-nil.
func (e *env) do(t *testing.T, token, method, path string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp
}

func (e *env) createOrg(t *testing.T, name string, parentID *int64) *models.Organization {
	t.Helper()
	var org models.Organization
	resp := e.do(t, adminToken, http.MethodPost, "/api/v1/organizations", map[string]any{
		"tenant_id":         e.tenant.ID,
		"parent_id":         parentID,
		"name":              name,
		"type":              models.OrgTypeTeam,
		"owner_identity_id": e.admin.ID,
	}, &org)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org %s: status %d", name, resp.StatusCode)
	}
	return &org
}

func (e *env) createEntity(t *testing.T, token string, orgID int64, name string) (*models.Entity, *http.Response) {
	t.Helper()
	body := map[string]any{
		"organization_id": orgID,
		"entity_type":     models.EntityService,
		"name":            name,
	}
	var ent models.Entity
	resp := e.do(t, token, http.MethodPost, "/api/v1/entities", body, &ent)
	if resp.StatusCode != http.StatusCreated {
		return nil, resp
	}
	return &ent, resp
}

func TestEntityVillageIDAllocation(t *testing.T) {
	e := newEnv(t)

	first := e.createOrg(t, "platform", nil)
	second := e.createOrg(t, "networking", nil)
	if got, want := first.VillageID, "00a1-0001-00000000"; got != want {
		t.Fatalf("first org village id = %q, want %q", got, want)
	}
	if got, want := second.VillageID, "00a1-0002-00000000"; got != want {
		t.Fatalf("second org village id = %q, want %q", got, want)
	}

	ent, resp := e.createEntity(t, adminToken, second.ID, "edge-router")
	if ent == nil {
		t.Fatalf("create entity: status %d", resp.StatusCode)
	}
	if got, want := ent.VillageID, "00a1-0002-00000001"; got != want {
		t.Fatalf("entity village id = %q, want %q", got, want)
	}

	// The redirect route is public and answers 302 with the canonical path.
	resp = e.do(t, "", http.MethodGet, "/r/"+ent.VillageID, nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("redirect status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got, want := resp.Header.Get("Location"), fmt.Sprintf("/entities/%d", ent.ID); got != want {
		t.Fatalf("redirect location = %q, want %q", got, want)
	}

	// Uppercase input resolves to the same resource.
	var res villageid.Resolution
	resp = e.do(t, "", http.MethodGet, "/lookup/00A1-0002-00000001", nil, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup status = %d", resp.StatusCode)
	}
	if res.ResourceID != ent.ID || res.Kind != models.KindEntity {
		t.Fatalf("lookup resolved %s %d, want entity %d", res.Kind, res.ResourceID, ent.ID)
	}

	// Moving the entity must not change its Village-ID.
	var moved models.Entity
	resp = e.do(t, adminToken, http.MethodPut, fmt.Sprintf("/api/v1/entities/%d", ent.ID), map[string]any{
		"organization_id": first.ID,
		"entity_type":     ent.Type,
		"name":            ent.Name,
		"revision":        ent.Revision,
	}, &moved)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move entity: status %d", resp.StatusCode)
	}
	if moved.VillageID != ent.VillageID {
		t.Fatalf("village id changed on move: %q -> %q", ent.VillageID, moved.VillageID)
	}
}

func TestRoleInheritanceOnOrgTree(t *testing.T) {
	e := newEnv(t)

	parent := e.createOrg(t, "infrastructure", nil)
	child := e.createOrg(t, "compute", &parent.ID)
	sibling := e.createOrg(t, "finance", nil)

	// Grant operator on the parent org only.
	ctx := context.Background()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.UpsertRole(ctx, &models.ResourceRole{
		TenantID:   e.tenant.ID,
		IdentityID: e.op.ID,
		ScopeType:  models.ScopeOrganization,
		ScopeID:    parent.ID,
		Role:       models.RoleOperator,
	})
	if err != nil {
		t.Fatalf("upsert role: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The grant is inherited down the tree: creating in the child works.
	ent, resp := e.createEntity(t, opToken, child.ID, "hypervisor-7")
	if ent == nil {
		t.Fatalf("create in child org: status %d", resp.StatusCode)
	}

	// The sibling subtree is out of scope: denied with no_role_on_scope.
	other, resp := e.createEntity(t, adminToken, sibling.ID, "ledger")
	if other == nil {
		t.Fatalf("admin create in sibling: status %d", resp.StatusCode)
	}
	var body struct {
		Code    string `json:"code"`
		Details struct {
			Reason string `json:"reason"`
		} `json:"details"`
	}
	resp = e.do(t, opToken, http.MethodPut, fmt.Sprintf("/api/v1/entities/%d", other.ID), map[string]any{
		"organization_id": sibling.ID,
		"entity_type":     other.Type,
		"name":            "renamed-ledger",
		"revision":        other.Revision,
	}, &body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sibling update status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if body.Details.Reason != "no_role_on_scope" {
		t.Fatalf("denial reason = %q, want no_role_on_scope", body.Details.Reason)
	}
}

func TestPaginationBounds(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name  string
		query string
	}{
		{"per_page over cap", "?per_page=1001"},
		{"zero page", "?page=0"},
		{"negative per_page", "?per_page=-5"},
		{"non-numeric page", "?page=abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(t, adminToken, http.MethodGet, "/api/v1/entities"+tc.query, nil, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}

	resp := e.do(t, adminToken, http.MethodGet, "/api/v1/entities?per_page=1000", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("per_page at cap: status = %d", resp.StatusCode)
	}
}

func TestConflictReasons(t *testing.T) {
	e := newEnv(t)
	org := e.createOrg(t, "platform", nil)
	a, _ := e.createEntity(t, adminToken, org.ID, "svc-a")
	b, _ := e.createEntity(t, adminToken, org.ID, "svc-b")
	if a == nil || b == nil {
		t.Fatal("fixture entities missing")
	}

	conflict := func(t *testing.T, method, path string, body any) string {
		t.Helper()
		var out struct {
			Code    string `json:"code"`
			Details struct {
				Reason string `json:"reason"`
			} `json:"details"`
		}
		resp := e.do(t, adminToken, method, path, body, &out)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("%s %s: status = %d, want %d", method, path, resp.StatusCode, http.StatusConflict)
		}
		return out.Details.Reason
	}

	t.Run("unique", func(t *testing.T) {
		reason := conflict(t, http.MethodPost, "/api/v1/entities", map[string]any{
			"organization_id": org.ID,
			"entity_type":     models.EntityService,
			"name":            "svc-a",
		})
		if reason != "unique" {
			t.Fatalf("reason = %q, want unique", reason)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		resp := e.do(t, adminToken, http.MethodPost, "/api/v1/dependencies", map[string]any{
			"source_entity_id": a.ID,
			"target_entity_id": b.ID,
			"dependency_type":  models.DepRuntime,
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("forward edge: status %d", resp.StatusCode)
		}
		reason := conflict(t, http.MethodPost, "/api/v1/dependencies", map[string]any{
			"source_entity_id": b.ID,
			"target_entity_id": a.ID,
			"dependency_type":  models.DepRuntime,
		})
		if reason != "cycle" {
			t.Fatalf("reason = %q, want cycle", reason)
		}
	})

	t.Run("stale_revision", func(t *testing.T) {
		update := map[string]any{
			"organization_id": a.OrganizationID,
			"entity_type":     a.Type,
			"name":            "svc-a-renamed",
			"revision":        a.Revision,
		}
		resp := e.do(t, adminToken, http.MethodPut, fmt.Sprintf("/api/v1/entities/%d", a.ID), update, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("first update: status %d", resp.StatusCode)
		}
		// Replaying the same revision must lose the race.
		update["name"] = "svc-a-again"
		reason := conflict(t, http.MethodPut, fmt.Sprintf("/api/v1/entities/%d", a.ID), update)
		if reason != "stale_revision" {
			t.Fatalf("reason = %q, want stale_revision", reason)
		}
	})

	t.Run("entity with edges", func(t *testing.T) {
		reason := conflict(t, http.MethodDelete, fmt.Sprintf("/api/v1/entities/%d", a.ID), nil)
		if reason != "foreign_key" {
			t.Fatalf("reason = %q, want foreign_key", reason)
		}
	})

	t.Run("org with descendants", func(t *testing.T) {
		parent := e.createOrg(t, "region", nil)
		e.createOrg(t, "zone-a", &parent.ID)
		reason := conflict(t, http.MethodDelete, fmt.Sprintf("/api/v1/organizations/%d", parent.ID), nil)
		if reason != "dependent_exists" {
			t.Fatalf("reason = %q, want dependent_exists", reason)
		}
	})
}

func TestBulkCreateEntities(t *testing.T) {
	e := newEnv(t)
	org := e.createOrg(t, "platform", nil)

	var out struct {
		Succeeded []models.Entity `json:"succeeded"`
		Failed    []struct {
			Index   int    `json:"index"`
			Code    string `json:"code"`
			Details struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"failed"`
	}
	resp := e.do(t, adminToken, http.MethodPost, "/api/v1/entities/bulk", map[string]any{
		"items": []map[string]any{
			{"organization_id": org.ID, "entity_type": models.EntityService, "name": "svc-a"},
			{"organization_id": org.ID, "entity_type": models.EntityService, "name": "svc-a"},
			{"organization_id": 9999, "entity_type": models.EntityService, "name": "svc-b"},
		},
	}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk status = %d", resp.StatusCode)
	}
	if len(out.Succeeded) != 1 || len(out.Failed) != 2 {
		t.Fatalf("succeeded=%d failed=%d, want 1/2", len(out.Succeeded), len(out.Failed))
	}
	if out.Succeeded[0].Name != "svc-a" || out.Succeeded[0].VillageID == "" {
		t.Fatalf("succeeded item = %+v", out.Succeeded[0])
	}
	if out.Failed[0].Index != 1 || out.Failed[0].Details.Reason != "unique" {
		t.Fatalf("first failure = %+v, want index 1 reason unique", out.Failed[0])
	}
	if out.Failed[1].Index != 2 {
		t.Fatalf("second failure index = %d, want 2", out.Failed[1].Index)
	}

	// A partial failure never rolls back the siblings.
	var page struct {
		Total int64 `json:"total"`
	}
	resp = e.do(t, adminToken, http.MethodGet, "/api/v1/entities", nil, &page)
	if resp.StatusCode != http.StatusOK || page.Total != 1 {
		t.Fatalf("entities after bulk: status %d total %d", resp.StatusCode, page.Total)
	}
}

func TestNoOpUpdateSkipsAudit(t *testing.T) {
	e := newEnv(t)
	org := e.createOrg(t, "platform", nil)
	ent, _ := e.createEntity(t, adminToken, org.ID, "svc-a")
	if ent == nil {
		t.Fatal("fixture entity missing")
	}

	countUpdates := func(t *testing.T) int64 {
		t.Helper()
		_, total, err := e.store.Reader().ListAuditRecords(context.Background(), models.AuditFilter{
			TenantID: e.tenant.ID,
			Action:   "entity.update",
		}, store.Pagination{Limit: 1})
		if err != nil {
			t.Fatalf("list audit: %v", err)
		}
		return total
	}
	before := countUpdates(t)

	var out models.Entity
	resp := e.do(t, adminToken, http.MethodPut, fmt.Sprintf("/api/v1/entities/%d", ent.ID), map[string]any{
		"organization_id": ent.OrganizationID,
		"entity_type":     ent.Type,
		"name":            ent.Name,
		"revision":        ent.Revision,
	}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("no-op update: status %d", resp.StatusCode)
	}
	if out.Revision != ent.Revision {
		t.Fatalf("no-op bumped revision: %d -> %d", ent.Revision, out.Revision)
	}
	if after := countUpdates(t); after != before {
		t.Fatalf("no-op update was audited: %d -> %d records", before, after)
	}
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "", http.MethodGet, "/api/v1/entities", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	resp = e.do(t, "bogus-credential", http.MethodGet, "/api/v1/entities", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown token: status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp = e.do(t, "", http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestCascadeDeleteRemovesSubtreeEntities(t *testing.T) {
	e := newEnv(t)
	parent := e.createOrg(t, "region", nil)
	child := e.createOrg(t, "zone-a", &parent.ID)
	other := e.createOrg(t, "observability", nil)

	gateway, _ := e.createEntity(t, adminToken, parent.ID, "gateway")
	sw, _ := e.createEntity(t, adminToken, child.ID, "leaf-switch")
	collector, _ := e.createEntity(t, adminToken, other.ID, "collector")
	if gateway == nil || sw == nil || collector == nil {
		t.Fatal("fixture entities missing")
	}

	// One edge inside the subtree and one reaching in from outside it.
	for _, edge := range []map[string]any{
		{"source_entity_id": gateway.ID, "target_entity_id": sw.ID, "dependency_type": models.DepRuntime},
		{"source_entity_id": collector.ID, "target_entity_id": sw.ID, "dependency_type": models.DepNetwork},
	} {
		resp := e.do(t, adminToken, http.MethodPost, "/api/v1/dependencies", edge, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create dependency: status %d", resp.StatusCode)
		}
	}

	resp := e.do(t, adminToken, http.MethodDelete, fmt.Sprintf("/api/v1/organizations/%d?cascade=true", parent.ID), nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cascade delete: status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	for _, id := range []int64{gateway.ID, sw.ID} {
		resp := e.do(t, adminToken, http.MethodGet, fmt.Sprintf("/api/v1/entities/%d", id), nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("entity %d survived cascade: status %d", id, resp.StatusCode)
		}
	}
	resp = e.do(t, adminToken, http.MethodGet, fmt.Sprintf("/api/v1/entities/%d", collector.ID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("outside entity gone: status %d", resp.StatusCode)
	}
	// Its inbound edge went with the subtree, so the delete no longer
	// trips the dependency FK.
	resp = e.do(t, adminToken, http.MethodDelete, fmt.Sprintf("/api/v1/entities/%d", collector.ID), nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("outside entity still has edges: status %d", resp.StatusCode)
	}
}
