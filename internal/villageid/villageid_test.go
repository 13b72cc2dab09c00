package villageid

import (
	"context"
	"testing"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

func TestFormatAndParts(t *testing.T) {
	cases := []struct {
		tenant  string
		org     uint16
		counter uint32
		want    string
	}{
		{"00a1", 0, 0, "00a1-0000-00000000"},
		{"00A1", 2, 1, "00a1-0002-00000001"},
		{"ffff", 0xffff, 0xffffffff, "ffff-ffff-ffffffff"},
	}
	for _, tc := range cases {
		got := Format(tc.tenant, tc.org, tc.counter)
		if got != tc.want {
			t.Errorf("Format(%q, %d, %d) = %q, want %q", tc.tenant, tc.org, tc.counter, got, tc.want)
		}
		tenant, org, counter, err := Parts(got)
		if err != nil {
			t.Fatalf("Parts(%q): %v", got, err)
		}
		if tenant != tc.want[:4] || org != tc.org || counter != tc.counter {
			t.Errorf("Parts(%q) = (%q, %d, %d)", got, tenant, org, counter)
		}
	}
}

func TestValid(t *testing.T) {
	valid := []string{"00a1-0002-00000001", "00A1-0002-00000001", "FFFF-FFFF-FFFFFFFF"}
	invalid := []string{"", "00a1", "00a1-0002", "00a10002-00000001", "zza1-0002-00000001", "00a1-0002-0000001", "00a1-0002-000000001"}
	for _, s := range valid {
		if !Valid(s) {
			t.Errorf("Valid(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if Valid(s) {
			t.Errorf("Valid(%q) = true", s)
		}
	}
}

func TestAllocateSequences(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a := NewAllocator()

	tenant := &models.Tenant{VillageCode: "00a1", Name: "acme", IsActive: true}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.InsertTenant(ctx, tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}

	// Organizations draw from the tenant bucket with a zero counter.
	first, err := a.Allocate(ctx, tx, models.KindOrganization, tenant, nil)
	if err != nil {
		t.Fatalf("allocate org: %v", err)
	}
	if first != "00a1-0001-00000000" {
		t.Fatalf("first org id = %q", first)
	}
	second, _ := a.Allocate(ctx, tx, models.KindOrganization, tenant, nil)
	if second != "00a1-0002-00000000" {
		t.Fatalf("second org id = %q", second)
	}

	// Entities draw from their organization's bucket.
	org := &models.Organization{
		TenantID: tenant.ID, Name: "networking", Type: models.OrgTypeTeam, VillageID: second,
	}
	if err := tx.InsertOrganization(ctx, org); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	for i, want := range []string{"00a1-0002-00000001", "00a1-0002-00000002"} {
		vid, err := a.Allocate(ctx, tx, models.KindEntity, tenant, org)
		if err != nil {
			t.Fatalf("allocate entity %d: %v", i, err)
		}
		if vid != want {
			t.Fatalf("entity id %d = %q, want %q", i, vid, want)
		}
	}
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a := NewAllocator()

	tenant := &models.Tenant{VillageCode: "00a1", Name: "acme", IsActive: true}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertTenant(ctx, tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	vid := "00a1-0002-00000001"
	if err := a.Register(ctx, tx, "00A1-0002-00000001", models.KindEntity, 42, tenant.ID); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Resolution is case-insensitive and answers the canonical path.
	res, err := a.Resolve(ctx, s.Reader(), "00A1-0002-00000001")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != models.KindEntity || res.ResourceID != 42 || res.TenantID != tenant.ID {
		t.Fatalf("resolution = %+v", res)
	}
	if res.RedirectURL != "/entities/42" {
		t.Fatalf("redirect = %q", res.RedirectURL)
	}

	if _, err := a.Resolve(ctx, s.Reader(), "not-a-vid"); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("malformed: got %v, want validation", err)
	}
	// Unknown tenant code and unknown resource both answer not-found.
	if _, err := a.Resolve(ctx, s.Reader(), "0fff-0002-00000001"); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("unknown tenant: got %v", err)
	}
	if _, err := a.Resolve(ctx, s.Reader(), vid[:len(vid)-1]+"9"); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("unknown resource: got %v", err)
	}
}
