package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/graph"
	"github.com/elder-platform/elder/internal/oncall"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/villageid"
	"github.com/elder-platform/elder/pkg/models"
)

const (
	adminToken   = "test-admin-credential"
	revokedToken = "test-revoked-credential"
)

type fixture struct {
	srv    *Server
	store  store.Store
	tenant *models.Tenant
	admin  *models.Identity
	org    *models.Organization
	web    *models.Entity
	db     *models.Entity
	tsdb   *models.Entity
}

// newFixture assembles a catalog server over the in-memory store and seeds
// one tenant with a three-entity runtime chain: web -> db -> tsdb.
// MaxImpactDepth is deliberately 1 so tests can tell the configured default
// apart from a caller-supplied depth.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Version: "test",
		Graph: config.GraphConfig{
			MaxHierarchyDepth:  64,
			MaxImpactDepth:     1,
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
	f := &fixture{
		srv:   NewServer("", cfg, s, pipe, villageid.NewAllocator(), oncall.New()),
		store: s,
	}
	f.seed(t)
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	f.tenant = &models.Tenant{VillageCode: "00a1", Name: "acme", IsActive: true}
	if err := tx.InsertTenant(ctx, f.tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}

	f.admin = &models.Identity{
		TenantID:     f.tenant.ID,
		Username:     "root",
		Type:         models.IdentityHuman,
		AuthProvider: "local",
		PortalRole:   models.RoleAdmin,
		IsActive:     true,
	}
	revoked := &models.Identity{
		TenantID:     f.tenant.ID,
		Username:     "departed",
		Type:         models.IdentityHuman,
		AuthProvider: "local",
		PortalRole:   models.RoleAdmin,
	}
	for _, id := range []*models.Identity{f.admin, revoked} {
		if err := tx.InsertIdentity(ctx, id); err != nil {
			t.Fatalf("insert identity %s: %v", id.Username, err)
		}
	}
	for raw, id := range map[string]*models.Identity{adminToken: f.admin, revokedToken: revoked} {
		tok := &models.APIToken{
			TenantID:    f.tenant.ID,
			IdentityID:  id.ID,
			Kind:        models.TokenAPIKey,
			Fingerprint: middleware.Fingerprint(raw),
			Name:        id.Username,
		}
		if err := tx.InsertToken(ctx, tok); err != nil {
			t.Fatalf("insert token for %s: %v", id.Username, err)
		}
	}

	f.org = &models.Organization{
		VillageID:       "00a1-0001-00000000",
		TenantID:        f.tenant.ID,
		Name:            "platform",
		Type:            models.OrgTypeTeam,
		OwnerIdentityID: f.admin.ID,
	}
	if err := tx.InsertOrganization(ctx, f.org); err != nil {
		t.Fatalf("insert org: %v", err)
	}

	f.web = f.seedEntity(t, tx, "checkout-web", "00a1-0001-00000101")
	f.db = f.seedEntity(t, tx, "checkout-db", "00a1-0001-00000102")
	f.tsdb = f.seedEntity(t, tx, "checkout-tsdb", "00a1-0001-00000103")
	for _, pair := range [][2]*models.Entity{{f.web, f.db}, {f.db, f.tsdb}} {
		d := &models.Dependency{
			TenantID:       f.tenant.ID,
			SourceEntityID: pair[0].ID,
			TargetEntityID: pair[1].ID,
			Type:           models.DepRuntime,
		}
		if err := tx.InsertDependency(ctx, d); err != nil {
			t.Fatalf("insert dependency: %v", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func (f *fixture) seedEntity(t *testing.T, tx store.Tx, name, vid string) *models.Entity {
	t.Helper()
	e := &models.Entity{
		VillageID:      vid,
		TenantID:       f.tenant.ID,
		OrganizationID: f.org.ID,
		Type:           models.EntityService,
		Name:           name,
		IsActive:       true,
	}
	if err := tx.InsertEntity(context.Background(), e); err != nil {
		t.Fatalf("insert entity %s: %v", name, err)
	}
	return e
}

// call dispatches one request envelope straight through the server, the
// same path a decoded connection frame takes.
func (f *fixture) call(t *testing.T, op, token string, args any) *Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		raw = b
	}
	return f.srv.handleRequest(context.Background(), &Request{Operation: op, Args: raw, Token: token})
}

func decodeData[T any](t *testing.T, resp *Response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return v
}

func TestHealthCheckSkipsAuth(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, OpHealthCheck, "", nil)
	if !resp.Success {
		t.Fatalf("health check failed: %s", resp.Error)
	}
	if got := decodeData[map[string]string](t, resp)["status"]; got != "ok" {
		t.Fatalf("status = %q, want ok", got)
	}
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, "entity_rename", adminToken, nil)
	if resp.Success {
		t.Fatal("unknown operation succeeded")
	}
	if resp.Code != string(errs.KindValidation) {
		t.Fatalf("code = %q, want %q", resp.Code, errs.KindValidation)
	}
}

func TestAuthRejection(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"unknown token", "not-a-real-credential"},
		{"inactive identity", revokedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.call(t, OpEntityGet, tc.token, IDArgs{ID: f.web.ID})
			if resp.Success {
				t.Fatal("request succeeded without valid credentials")
			}
			if resp.Code != string(errs.KindUnauthenticated) {
				t.Fatalf("code = %q, want %q", resp.Code, errs.KindUnauthenticated)
			}
		})
	}
}

func TestEntityGet(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, OpEntityGet, adminToken, IDArgs{ID: f.db.ID})
	if !resp.Success {
		t.Fatalf("entity get failed: %s", resp.Error)
	}
	got := decodeData[models.Entity](t, resp)
	if got.Name != "checkout-db" || got.VillageID != "00a1-0001-00000102" {
		t.Fatalf("got entity %s (%s)", got.Name, got.VillageID)
	}

	resp = f.call(t, OpEntityGet, adminToken, IDArgs{ID: 99999})
	if resp.Success || resp.Code != string(errs.KindNotFound) {
		t.Fatalf("missing entity: success=%v code=%q", resp.Success, resp.Code)
	}
}

func TestEntityCreate(t *testing.T) {
	f := newFixture(t)

	args := EntityCreateArgs{
		OrganizationID: f.org.ID,
		Type:           models.EntityService,
		Name:           "payments-api",
	}
	resp := f.call(t, OpEntityCreate, adminToken, args)
	if !resp.Success {
		t.Fatalf("entity create failed: %s", resp.Error)
	}
	created := decodeData[models.Entity](t, resp)
	if created.VillageID != "00a1-0001-00000001" {
		t.Fatalf("village id = %q, want 00a1-0001-00000001", created.VillageID)
	}

	// Same (organization, type, name) again surfaces the conflict subcode
	// in the envelope details.
	resp = f.call(t, OpEntityCreate, adminToken, args)
	if resp.Success {
		t.Fatal("duplicate entity create succeeded")
	}
	if resp.Code != string(errs.KindConflict) {
		t.Fatalf("code = %q, want %q", resp.Code, errs.KindConflict)
	}
	if resp.Details["reason"] != errs.ReasonUnique {
		t.Fatalf("details.reason = %v, want %q", resp.Details["reason"], errs.ReasonUnique)
	}
}

func TestImpactDepthDefaultsToConfig(t *testing.T) {
	f := newFixture(t)

	// No max_depth in the args: the chain is cut by the configured
	// default of 1, so only web and db come back.
	resp := f.call(t, OpGraphImpact, adminToken, ImpactArgs{EntityID: f.web.ID})
	if !resp.Success {
		t.Fatalf("impact failed: %s", resp.Error)
	}
	if nodes := decodeData[[]models.ImpactNode](t, resp); len(nodes) != 2 {
		t.Fatalf("default depth returned %d nodes, want 2", len(nodes))
	}

	depth := 2
	resp = f.call(t, OpGraphImpact, adminToken, ImpactArgs{EntityID: f.web.ID, MaxDepth: &depth})
	if !resp.Success {
		t.Fatalf("impact failed: %s", resp.Error)
	}
	if nodes := decodeData[[]models.ImpactNode](t, resp); len(nodes) != 3 {
		t.Fatalf("depth 2 returned %d nodes, want 3", len(nodes))
	}
}
