package oncall

import (
	"context"
	"testing"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type harness struct {
	store  *store.MemoryStore
	res    *Resolver
	tenant *models.Tenant
	org    *models.Organization
	ids    map[string]int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemoryStore(), res: New(), ids: map[string]int64{}}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.tenant = &models.Tenant{Name: "acme", VillageCode: "00a1", IsActive: true}
	if err := tx.InsertTenant(ctx, h.tenant); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	h.org = &models.Organization{TenantID: h.tenant.ID, Name: "sre", Type: models.OrgTypeTeam}
	if err := tx.InsertOrganization(ctx, h.org); err != nil {
		t.Fatalf("org: %v", err)
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		id := &models.Identity{TenantID: h.tenant.ID, Username: name, Type: models.IdentityHuman, PortalRole: models.RoleViewer, IsActive: true}
		if err := tx.InsertIdentity(ctx, id); err != nil {
			t.Fatalf("identity %s: %v", name, err)
		}
		h.ids[name] = id.ID
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func (h *harness) addRotation(t *testing.T, name string, priority int, shifts []models.OnCallShift) *models.OnCallRotation {
	t.Helper()
	ctx := context.Background()
	r := &models.OnCallRotation{
		TenantID:  h.tenant.ID,
		ScopeType: models.OnCallScopeOrganization,
		ScopeID:   h.org.ID,
		Name:      name,
		Priority:  priority,
		Shifts:    shifts,
	}
	tx, _ := h.store.Begin(ctx)
	if err := tx.InsertRotation(ctx, r); err != nil {
		t.Fatalf("rotation: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return r
}

func (h *harness) addOverride(t *testing.T, who string, start, end time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	err := tx.InsertOverride(ctx, &models.OnCallOverride{
		TenantID:   h.tenant.ID,
		ScopeType:  models.OnCallScopeOrganization,
		ScopeID:    h.org.ID,
		IdentityID: h.ids[who],
		Start:      start,
		End:        end,
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (h *harness) dayShifts() []models.OnCallShift {
	return []models.OnCallShift{
		{IdentityID: h.ids["alice"], Start: at("2025-06-01T08:00:00Z"), End: at("2025-06-01T20:00:00Z")},
		{IdentityID: h.ids["bob"], Start: at("2025-06-01T20:00:00Z"), End: at("2025-06-02T08:00:00Z")},
	}
}

func TestCurrentWithOverride(t *testing.T) {
	h := newHarness(t)
	h.addRotation(t, "primary", 0, h.dayShifts())
	h.addOverride(t, "carol", at("2025-06-01T10:00:00Z"), at("2025-06-01T11:00:00Z"))

	ctx := context.Background()
	got, err := h.res.Current(ctx, h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T10:30:00Z"))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.IdentityID != h.ids["carol"] || !got.IsOverride {
		t.Fatalf("got %+v, want carol via override", got)
	}

	got, err = h.res.Current(ctx, h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T12:00:00Z"))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.IdentityID != h.ids["alice"] || got.IsOverride {
		t.Fatalf("got %+v, want alice via rotation", got)
	}
	if got.IdentityName != "alice" {
		t.Errorf("identity name = %q", got.IdentityName)
	}
}

func TestCurrentHalfOpenBoundaries(t *testing.T) {
	h := newHarness(t)
	h.addRotation(t, "primary", 0, h.dayShifts())

	ctx := context.Background()
	// 20:00 is the exclusive end of alice's shift and the inclusive start
	// of bob's.
	got, err := h.res.Current(ctx, h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T20:00:00Z"))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.IdentityID != h.ids["bob"] {
		t.Fatalf("at the boundary got identity %d, want bob", got.IdentityID)
	}
}

func TestCurrentLayeredRotationsPreferSmallestPriority(t *testing.T) {
	h := newHarness(t)
	h.addRotation(t, "secondary", 5, []models.OnCallShift{
		{IdentityID: h.ids["bob"], Start: at("2025-06-01T00:00:00Z"), End: at("2025-06-02T00:00:00Z")},
	})
	h.addRotation(t, "primary", 1, []models.OnCallShift{
		{IdentityID: h.ids["alice"], Start: at("2025-06-01T00:00:00Z"), End: at("2025-06-02T00:00:00Z")},
	})

	got, err := h.res.Current(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T12:00:00Z"))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.IdentityID != h.ids["alice"] {
		t.Fatalf("got identity %d, want alice from priority-1 rotation", got.IdentityID)
	}
}

func TestCurrentLatestOverrideWins(t *testing.T) {
	h := newHarness(t)
	h.addOverride(t, "alice", at("2025-06-01T00:00:00Z"), at("2025-06-02T00:00:00Z"))
	h.addOverride(t, "carol", at("2025-06-01T09:00:00Z"), at("2025-06-01T18:00:00Z"))

	got, err := h.res.Current(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.IdentityID != h.ids["carol"] {
		t.Fatalf("got identity %d, want the most recently created override", got.IdentityID)
	}
}

func TestCurrentNoCoverage(t *testing.T) {
	h := newHarness(t)
	_, err := h.res.Current(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, at("2025-06-01T12:00:00Z"))
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestTimelinePartitionsWindow(t *testing.T) {
	h := newHarness(t)
	h.addRotation(t, "primary", 0, h.dayShifts())
	h.addOverride(t, "carol", at("2025-06-01T10:00:00Z"), at("2025-06-01T11:00:00Z"))

	from, to := at("2025-06-01T06:00:00Z"), at("2025-06-01T22:00:00Z")
	segs, err := h.res.Timeline(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, from, to)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}

	// Expected regions: gap, alice, carol override, alice, bob.
	type want struct {
		who      string
		override bool
	}
	wants := []want{{"", false}, {"alice", false}, {"carol", true}, {"alice", false}, {"bob", false}}
	if len(segs) != len(wants) {
		t.Fatalf("got %d segments, want %d: %+v", len(segs), len(wants), segs)
	}
	for i, w := range wants {
		s := segs[i]
		if w.who == "" {
			if s.IdentityID != nil {
				t.Errorf("segment %d: expected gap, got identity %d", i, *s.IdentityID)
			}
			continue
		}
		if s.IdentityID == nil || *s.IdentityID != h.ids[w.who] || s.IsOverride != w.override {
			t.Errorf("segment %d = %+v, want %s override=%v", i, s, w.who, w.override)
		}
	}

	// Partition property: contiguous, non-overlapping, covers [from, to).
	if !segs[0].From.Equal(from) || !segs[len(segs)-1].To.Equal(to) {
		t.Errorf("timeline does not span the window: %v .. %v", segs[0].From, segs[len(segs)-1].To)
	}
	for i := 1; i < len(segs); i++ {
		if !segs[i].From.Equal(segs[i-1].To) {
			t.Errorf("segments %d/%d not contiguous: %v vs %v", i-1, i, segs[i-1].To, segs[i].From)
		}
	}
}

func TestTimelineAllGap(t *testing.T) {
	h := newHarness(t)
	from, to := at("2025-06-01T00:00:00Z"), at("2025-06-01T06:00:00Z")
	segs, err := h.res.Timeline(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, from, to)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(segs) != 1 || segs[0].IdentityID != nil {
		t.Fatalf("segs = %+v, want one gap segment", segs)
	}
}

func TestTimelineRejectsEmptyWindow(t *testing.T) {
	h := newHarness(t)
	when := at("2025-06-01T00:00:00Z")
	_, err := h.res.Timeline(context.Background(), h.store.Reader(), h.tenant.ID, models.OnCallScopeOrganization, h.org.ID, when, when)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}
