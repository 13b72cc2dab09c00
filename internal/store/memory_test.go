package store

import (
	"context"
	"testing"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// mustCommit runs fn inside a fresh transaction and commits.
func mustCommit(t *testing.T, s *MemoryStore, fn func(tx Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedTenant(t *testing.T, s *MemoryStore, code, name string) *models.Tenant {
	t.Helper()
	tn := &models.Tenant{VillageCode: code, Name: name, IsActive: true}
	mustCommit(t, s, func(tx Tx) error {
		return tx.InsertTenant(context.Background(), tn)
	})
	return tn
}

func seedOrg(t *testing.T, s *MemoryStore, tenantID int64, name string, parent *int64) *models.Organization {
	t.Helper()
	o := &models.Organization{
		TenantID:        tenantID,
		ParentID:        parent,
		Name:            name,
		Type:            models.OrgTypeTeam,
		OwnerIdentityID: 0,
		VillageID:       "00a1-0001-00000000",
	}
	mustCommit(t, s, func(tx Tx) error {
		return tx.InsertOrganization(context.Background(), o)
	})
	return o
}

func seedEntity(t *testing.T, s *MemoryStore, tenantID, orgID int64, name string) *models.Entity {
	t.Helper()
	e := &models.Entity{
		TenantID:       tenantID,
		OrganizationID: orgID,
		Type:           models.EntityService,
		Name:           name,
		IsActive:       true,
	}
	mustCommit(t, s, func(tx Tx) error {
		return tx.InsertEntity(context.Background(), e)
	})
	return e
}

func TestInsertTenantNormalizes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tn := seedTenant(t, s, "00A1", "acme")
	if tn.ID == 0 || tn.Revision != 1 {
		t.Fatalf("insert left id=%d revision=%d", tn.ID, tn.Revision)
	}
	if tn.VillageCode != "00a1" {
		t.Fatalf("village code not lowercased: %q", tn.VillageCode)
	}
	if tn.CreatedAt.IsZero() || tn.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v, want non-zero UTC", tn.CreatedAt)
	}

	// Lookup is case-insensitive.
	got, err := s.Reader().GetTenantByCode(ctx, "00A1")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != tn.ID {
		t.Fatalf("got tenant %d, want %d", got.ID, tn.ID)
	}
}

func TestTenantUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTenant(t, s, "00a1", "acme")

	cases := []models.Tenant{
		{VillageCode: "00a1", Name: "other"},
		{VillageCode: "00A1", Name: "case-folded"},
		{VillageCode: "00b2", Name: "acme"},
	}
	for _, dup := range cases {
		tx, _ := s.Begin(ctx)
		err := tx.InsertTenant(ctx, &dup)
		_ = tx.Rollback(ctx)
		if errs.KindOf(err) != errs.KindConflict || errs.ReasonOf(err) != errs.ReasonUnique {
			t.Fatalf("duplicate %q/%q: got %v, want unique conflict", dup.VillageCode, dup.Name, err)
		}
	}
}

func TestRevisionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")

	// Matching revision succeeds and bumps.
	upd := *tn
	upd.Name = "acme-2"
	mustCommit(t, s, func(tx Tx) error { return tx.UpdateTenant(ctx, &upd) })
	if upd.Revision != 2 {
		t.Fatalf("revision after update = %d, want 2", upd.Revision)
	}

	// Replaying the old revision is stale.
	stale := *tn
	stale.Name = "acme-3"
	tx, _ := s.Begin(ctx)
	err := tx.UpdateTenant(ctx, &stale)
	_ = tx.Rollback(ctx)
	if errs.ReasonOf(err) != errs.ReasonStaleRevision {
		t.Fatalf("stale update: got %v, want stale_revision", err)
	}

	// A missing row is not-found, never stale.
	missing := models.Tenant{ID: 9999, Revision: 1}
	tx, _ = s.Begin(ctx)
	err = tx.UpdateTenant(ctx, &missing)
	_ = tx.Rollback(ctx)
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("missing update: got %v, want not found", err)
	}
}

func TestRollbackIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	org := &models.Organization{TenantID: tn.ID, Name: "ghost", Type: models.OrgTypeTeam, VillageID: "00a1-0001-00000000"}
	if err := tx.InsertOrganization(ctx, org); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// The transaction sees its own write.
	if _, err := tx.GetOrganization(ctx, org.ID); err != nil {
		t.Fatalf("tx read-own-write: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := s.Reader().GetOrganization(ctx, org.ID); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("rolled-back org visible: %v", err)
	}
}

func TestForeignKeyConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")
	org := seedOrg(t, s, tn.ID, "platform", nil)
	a := seedEntity(t, s, tn.ID, org.ID, "svc-a")
	b := seedEntity(t, s, tn.ID, org.ID, "svc-b")

	wantFK := func(t *testing.T, err error) {
		t.Helper()
		if errs.ReasonOf(err) != errs.ReasonForeignKey {
			t.Fatalf("got %v, want foreign_key conflict", err)
		}
	}

	t.Run("entity into missing org", func(t *testing.T) {
		tx, _ := s.Begin(ctx)
		defer tx.Rollback(ctx)
		wantFK(t, tx.InsertEntity(ctx, &models.Entity{
			TenantID: tn.ID, OrganizationID: 9999, Type: models.EntityService, Name: "orphan",
		}))
	})

	t.Run("tenant with organizations", func(t *testing.T) {
		tx, _ := s.Begin(ctx)
		defer tx.Rollback(ctx)
		wantFK(t, tx.DeleteTenant(ctx, tn.ID))
	})

	t.Run("entity with edges", func(t *testing.T) {
		mustCommit(t, s, func(tx Tx) error {
			return tx.InsertDependency(ctx, &models.Dependency{
				TenantID: tn.ID, SourceEntityID: a.ID, TargetEntityID: b.ID, Type: models.DepRuntime,
			})
		})
		tx, _ := s.Begin(ctx)
		defer tx.Rollback(ctx)
		wantFK(t, tx.DeleteEntity(ctx, b.ID))
	})
}

func TestDependencyConstraints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")
	org := seedOrg(t, s, tn.ID, "platform", nil)
	a := seedEntity(t, s, tn.ID, org.ID, "svc-a")
	b := seedEntity(t, s, tn.ID, org.ID, "svc-b")

	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	err := tx.InsertDependency(ctx, &models.Dependency{
		TenantID: tn.ID, SourceEntityID: a.ID, TargetEntityID: a.ID, Type: models.DepRuntime,
	})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("self edge: got %v, want validation", err)
	}

	edge := &models.Dependency{TenantID: tn.ID, SourceEntityID: a.ID, TargetEntityID: b.ID, Type: models.DepRuntime}
	if err := tx.InsertDependency(ctx, edge); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	dup := &models.Dependency{TenantID: tn.ID, SourceEntityID: a.ID, TargetEntityID: b.ID, Type: models.DepRuntime}
	if err := tx.InsertDependency(ctx, dup); errs.ReasonOf(err) != errs.ReasonUnique {
		t.Fatalf("duplicate edge: got %v, want unique conflict", err)
	}
	// Same endpoints under a different type remain legal.
	related := &models.Dependency{TenantID: tn.ID, SourceEntityID: a.ID, TargetEntityID: b.ID, Type: models.DepRelated}
	if err := tx.InsertDependency(ctx, related); err != nil {
		t.Fatalf("second type: %v", err)
	}
}

func TestVillageCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	for i := uint32(1); i <= 3; i++ {
		n, err := tx.NextVillageCounter(ctx, 1, 5)
		if err != nil {
			t.Fatalf("counter: %v", err)
		}
		if n != i {
			t.Fatalf("counter draw %d = %d", i, n)
		}
	}
	// Buckets are independent per (tenant, org).
	if n, _ := tx.NextVillageCounter(ctx, 1, 6); n != 1 {
		t.Fatalf("sibling bucket started at %d", n)
	}
	if n, _ := tx.NextVillageCounter(ctx, 2, 5); n != 1 {
		t.Fatalf("other tenant bucket started at %d", n)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Committed counters resume where they left off.
	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	if n, _ := tx.NextVillageCounter(ctx, 1, 5); n != 4 {
		t.Fatalf("counter after commit = %d, want 4", n)
	}
}

func TestDeleteIdentityCascadesRoles(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")

	id := &models.Identity{TenantID: tn.ID, Username: "tech", Type: models.IdentityHuman, IsActive: true}
	mustCommit(t, s, func(tx Tx) error {
		if err := tx.InsertIdentity(ctx, id); err != nil {
			return err
		}
		return tx.UpsertRole(ctx, &models.ResourceRole{
			TenantID: tn.ID, IdentityID: id.ID, ScopeType: models.ScopeTenant, ScopeID: tn.ID, Role: models.RoleViewer,
		})
	})

	mustCommit(t, s, func(tx Tx) error { return tx.DeleteIdentity(ctx, id.ID) })
	roles, err := s.Reader().ListRolesByIdentity(ctx, id.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("roles survived identity delete: %d", len(roles))
	}
}

func TestUpsertRoleReplacesInPlace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")
	id := &models.Identity{TenantID: tn.ID, Username: "tech", Type: models.IdentityHuman, IsActive: true}
	mustCommit(t, s, func(tx Tx) error { return tx.InsertIdentity(ctx, id) })

	grant := func(role models.Role) {
		mustCommit(t, s, func(tx Tx) error {
			return tx.UpsertRole(ctx, &models.ResourceRole{
				TenantID: tn.ID, IdentityID: id.ID, ScopeType: models.ScopeTenant, ScopeID: tn.ID, Role: role,
			})
		})
	}
	grant(models.RoleViewer)
	grant(models.RoleOperator)

	roles, err := s.Reader().ListRolesByIdentity(ctx, id.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 || roles[0].Role != models.RoleOperator {
		t.Fatalf("roles = %+v, want single operator grant", roles)
	}
}

func TestPurgeAuditScopesTenantAndCutoff(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCommit(t, s, func(tx Tx) error {
		for _, rec := range []models.AuditRecord{
			{TenantID: 1, Action: "old", Timestamp: cutoff.Add(-time.Hour)},
			{TenantID: 1, Action: "fresh", Timestamp: cutoff.Add(time.Hour)},
			{TenantID: 2, Action: "other-tenant", Timestamp: cutoff.Add(-time.Hour)},
		} {
			r := rec
			if err := tx.AppendAudit(ctx, &r); err != nil {
				return err
			}
		}
		return nil
	})

	var purged int64
	mustCommit(t, s, func(tx Tx) error {
		var err error
		purged, err = tx.PurgeAudit(ctx, 1, cutoff)
		return err
	})
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	for tenantID, want := range map[int64]int64{1: 1, 2: 1} {
		_, total, err := s.Reader().ListAuditRecords(ctx, models.AuditFilter{TenantID: tenantID}, Pagination{Limit: 1})
		if err != nil {
			t.Fatalf("list tenant %d: %v", tenantID, err)
		}
		if total != want {
			t.Fatalf("tenant %d kept %d records, want %d", tenantID, total, want)
		}
	}
}

func TestPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tn := seedTenant(t, s, "00a1", "acme")
	org := seedOrg(t, s, tn.ID, "platform", nil)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		seedEntity(t, s, tn.ID, org.ID, name)
	}

	cases := []struct {
		name string
		p    Pagination
		want int
	}{
		{"window", Pagination{Offset: 1, Limit: 2}, 2},
		{"tail", Pagination{Offset: 4, Limit: 10}, 1},
		{"past end", Pagination{Offset: 10, Limit: 2}, 0},
		{"no limit", Pagination{Limit: -1}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, total, err := s.Reader().ListEntities(ctx, tn.ID, EntityFilter{}, tc.p)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != 5 {
				t.Fatalf("total = %d, want 5", total)
			}
			if len(items) != tc.want {
				t.Fatalf("len = %d, want %d", len(items), tc.want)
			}
		})
	}
}
