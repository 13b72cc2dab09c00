package groups

import (
	"context"
	"testing"
	"time"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) GroupSyncRequested(context.Context, int64, int64) { n.calls++ }

type harness struct {
	store    *store.MemoryStore
	wf       *Workflow
	notifier *recordingNotifier
	tenant   *models.Tenant
	ids      map[string]int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemoryStore(), notifier: &recordingNotifier{}, ids: map[string]int64{}}
	h.wf = New(h.notifier, 0)

	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.tenant = &models.Tenant{Name: "acme", VillageCode: "00a1", IsActive: true}
	if err := tx.InsertTenant(ctx, h.tenant); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	for _, name := range []string{"o1", "o2", "o3", "req"} {
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

func (h *harness) newGroup(t *testing.T, mode models.ApprovalMode, threshold int) *models.Group {
	t.Helper()
	ctx := context.Background()
	g := &models.Group{
		TenantID:          h.tenant.ID,
		Name:              "oncall-" + string(mode),
		OwnerIdentityID:   h.ids["o1"],
		OwnerIDs:          []int64{h.ids["o1"], h.ids["o2"], h.ids["o3"]},
		ApprovalMode:      mode,
		ApprovalThreshold: threshold,
		Provider:          models.ProviderInternal,
	}
	tx, _ := h.store.Begin(ctx)
	if err := tx.InsertGroup(ctx, g); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return g
}

// submit opens a request in its own committed transaction.
func (h *harness) submit(t *testing.T, g *models.Group) *models.AccessRequest {
	t.Helper()
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	req, err := h.wf.Submit(ctx, tx, g, h.ids["req"], "need access", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return req
}

func (h *harness) decide(t *testing.T, g *models.Group, req *models.AccessRequest, owner string, d models.Decision) (*models.AccessRequest, error) {
	t.Helper()
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	fresh, err := h.wf.Decide(ctx, tx, g, req, h.ids[owner], d, "")
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return fresh, nil
}

func (h *harness) members(t *testing.T, groupID int64) []models.GroupMember {
	t.Helper()
	members, err := h.store.Reader().ListGroupMembers(context.Background(), groupID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	return members
}

func TestThresholdApproval(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalThreshold, 2)
	req := h.submit(t, g)

	fresh, err := h.decide(t, g, req, "o1", models.DecisionApprove)
	if err != nil {
		t.Fatalf("o1: %v", err)
	}
	if fresh.State != models.RequestPending {
		t.Fatalf("after one approval state = %s, want pending", fresh.State)
	}

	fresh, err = h.decide(t, g, fresh, "o2", models.DecisionApprove)
	if err != nil {
		t.Fatalf("o2: %v", err)
	}
	if fresh.State != models.RequestApproved {
		t.Fatalf("after threshold state = %s, want approved", fresh.State)
	}
	if len(h.members(t, g.ID)) != 1 {
		t.Fatal("membership row not created on approval")
	}

	// A late approval is accepted but changes nothing.
	fresh, err = h.decide(t, g, fresh, "o3", models.DecisionApprove)
	if err != nil {
		t.Fatalf("late approval rejected: %v", err)
	}
	if fresh.State != models.RequestApproved {
		t.Fatalf("late approval flipped state to %s", fresh.State)
	}
	if len(fresh.Approvals) != 3 {
		t.Fatalf("approvals = %d, want 3 recorded", len(fresh.Approvals))
	}
}

func TestThresholdDenyWhenImpossible(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalThreshold, 3)
	req := h.submit(t, g)

	// One deny among three owners leaves at most two approves; threshold 3
	// became unreachable.
	fresh, err := h.decide(t, g, req, "o2", models.DecisionDeny)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if fresh.State != models.RequestDenied {
		t.Fatalf("state = %s, want denied (approval impossible)", fresh.State)
	}
}

func TestThresholdDenyStillPossibleStaysPending(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalThreshold, 2)
	req := h.submit(t, g)

	fresh, err := h.decide(t, g, req, "o2", models.DecisionDeny)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if fresh.State != models.RequestPending {
		t.Fatalf("state = %s, two approves are still possible", fresh.State)
	}
}

func TestAnyMode(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAny, 0)
	req := h.submit(t, g)

	fresh, err := h.decide(t, g, req, "o3", models.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if fresh.State != models.RequestApproved {
		t.Fatalf("state = %s, want approved on first approve", fresh.State)
	}
}

func TestAllModeWaitsForEveryOwner(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAll, 0)
	req := h.submit(t, g)

	for _, owner := range []string{"o1", "o2"} {
		fresh, err := h.decide(t, g, req, owner, models.DecisionApprove)
		if err != nil {
			t.Fatalf("%s: %v", owner, err)
		}
		if fresh.State != models.RequestPending {
			t.Fatalf("state = %s before all owners approved", fresh.State)
		}
		req = fresh
	}
	fresh, err := h.decide(t, g, req, "o3", models.DecisionApprove)
	if err != nil {
		t.Fatalf("o3: %v", err)
	}
	if fresh.State != models.RequestApproved {
		t.Fatalf("state = %s, want approved after all owners", fresh.State)
	}
}

func TestNonOwnerCannotDecide(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAny, 0)
	req := h.submit(t, g)

	_, err := h.decide(t, g, req, "req", models.DecisionApprove)
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestDuplicateSubmitRejected(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAny, 0)
	h.submit(t, g)

	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	defer tx.Rollback(ctx)
	_, err := h.wf.Submit(ctx, tx, g, h.ids["req"], "again", nil)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestRevokeRemovesMembership(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAny, 0)
	req := h.submit(t, g)
	fresh, err := h.decide(t, g, req, "o1", models.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	if err := h.wf.Revoke(ctx, tx, g, fresh); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(h.members(t, g.ID)) != 0 {
		t.Fatal("membership survived revocation")
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	g := h.newGroup(t, models.ApprovalAny, 0)

	past := time.Now().UTC().Add(-time.Hour)
	ctx := context.Background()
	tx, _ := h.store.Begin(ctx)
	req, err := h.wf.Submit(ctx, tx, g, h.ids["req"], "time-boxed", &past)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = h.store.Begin(ctx)
	closed, err := h.wf.SweepExpired(ctx, tx, h.tenant.ID)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}
	got, err := h.store.Reader().GetAccessRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.RequestExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
}

func TestProviderSyncSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := &models.Group{
		TenantID:        h.tenant.ID,
		Name:            "ldap-linked",
		OwnerIdentityID: h.ids["o1"],
		ApprovalMode:    models.ApprovalAny,
		Provider:        models.ProviderLDAP,
		SyncEnabled:     true,
	}
	tx, _ := h.store.Begin(ctx)
	if err := tx.InsertGroup(ctx, g); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	req := h.submit(t, g)
	if _, err := h.decide(t, g, req, "o1", models.DecisionApprove); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if h.notifier.calls != 1 {
		t.Fatalf("sync signals = %d, want 1", h.notifier.calls)
	}
}
