package pipeline

import (
	"context"
	"testing"

	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/graph"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type harness struct {
	store    *store.MemoryStore
	pipe     *Pipeline
	tenant   *models.Tenant
	admin    *models.Identity
	auditLog *audit.Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemoryStore(), auditLog: audit.New(0)}
	h.pipe = New(Deps{
		Store:       h.store,
		Authz:       authz.New(64),
		Graph:       graph.New(h.store, graph.Config{}),
		Audit:       h.auditLog,
		Invalidator: cache.New(),
	})

	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.tenant = &models.Tenant{Name: "acme", VillageCode: "00a1", IsActive: true}
	if err := tx.InsertTenant(ctx, h.tenant); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	h.admin = &models.Identity{TenantID: h.tenant.ID, Username: "root", Type: models.IdentityHuman, PortalRole: models.RoleAdmin, IsActive: true}
	if err := tx.InsertIdentity(ctx, h.admin); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h
}

func (h *harness) auditCount(t *testing.T) int {
	t.Helper()
	_, total, err := h.store.Reader().ListAuditRecords(context.Background(),
		models.AuditFilter{TenantID: h.tenant.ID}, store.Pagination{})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	return int(total)
}

func TestMutateCommitsWithOneAuditRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.pipe.Mutate(ctx, h.admin, func(ctx context.Context, req *Request) (*Result, error) {
		org := &models.Organization{TenantID: h.tenant.ID, Name: "eng", Type: models.OrgTypeDepartment}
		if err := req.Tx.InsertOrganization(ctx, org); err != nil {
			return nil, err
		}
		req.Invalidate(h.tenant.ID, cache.SubjectOrgTree)
		return &Result{
			TenantID:     h.tenant.ID,
			Action:       "organization.create",
			ResourceType: "organization",
			ResourceID:   org.ID,
			After:        org,
			Payload:      org,
		}, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	org := out.(*models.Organization)
	if org.ID == 0 {
		t.Fatal("payload not the created organization")
	}
	if _, err := h.store.Reader().GetOrganization(ctx, org.ID); err != nil {
		t.Fatalf("organization not committed: %v", err)
	}
	if n := h.auditCount(t); n != 1 {
		t.Fatalf("audit records = %d, want exactly 1", n)
	}
}

func TestMutateRollsBackOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipe.Mutate(ctx, h.admin, func(ctx context.Context, req *Request) (*Result, error) {
		org := &models.Organization{TenantID: h.tenant.ID, Name: "doomed", Type: models.OrgTypeTeam}
		if err := req.Tx.InsertOrganization(ctx, org); err != nil {
			return nil, err
		}
		return nil, errs.Validation("late validation failure")
	})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v", err)
	}
	orgs, err := h.store.Reader().AllOrganizations(ctx, h.tenant.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orgs) != 0 {
		t.Fatal("rolled-back organization is visible")
	}
	if n := h.auditCount(t); n != 0 {
		t.Fatalf("audit records = %d, validation failures are not audited", n)
	}
}

func TestMutateNoOpSkipsAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.pipe.Mutate(ctx, h.admin, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{TenantID: h.tenant.ID, Action: "organization.update", NoOp: true, Payload: "unchanged"}, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if out != "unchanged" {
		t.Fatalf("payload = %v", out)
	}
	if n := h.auditCount(t); n != 0 {
		t.Fatalf("audit records = %d, no-op must not audit", n)
	}
}

func TestMutateAuditsDenial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipe.Mutate(ctx, h.admin, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{TenantID: h.tenant.ID, Action: "tenant.delete", ResourceType: "tenant", ResourceID: h.tenant.ID},
			errs.Forbidden(errs.ReasonInsufficientRole, "requires super_admin")
	})
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("err = %v", err)
	}
	recs, _, err := h.store.Reader().ListAuditRecords(ctx, models.AuditFilter{TenantID: h.tenant.ID}, store.Pagination{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Outcome != models.OutcomeDenied {
		t.Fatalf("records = %+v, want one denied record", recs)
	}
}

func TestCheckStructReportsFields(t *testing.T) {
	h := newHarness(t)
	type payload struct {
		Name string `validate:"required"`
		Page int    `validate:"gte=1"`
	}
	err := h.pipe.CheckStruct(payload{Page: 0})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	fields, _ := errs.DetailsOf(err)["fields"].([]string)
	if len(fields) != 2 {
		t.Fatalf("fields = %v, want both invalid fields named", fields)
	}
}

func TestReadRetriesTransient(t *testing.T) {
	h := newHarness(t)
	calls := 0
	out, err := h.pipe.Read(context.Background(), func(ctx context.Context, r store.Reader) (any, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.KindUnavailable, "storage hiccup")
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("out=%v err=%v", out, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestReadDoesNotRetryValidation(t *testing.T) {
	h := newHarness(t)
	calls := 0
	_, err := h.pipe.Read(context.Background(), func(ctx context.Context, r store.Reader) (any, error) {
		calls++
		return nil, errs.Validation("bad input")
	})
	if errs.KindOf(err) != errs.KindValidation || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
