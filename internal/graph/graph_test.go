package graph

import (
	"context"
	"testing"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

type fixture struct {
	store  *store.MemoryStore
	engine *Engine
	tenant *models.Tenant
	orgs   map[string]*models.Organization
	ents   map[string]*models.Entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		orgs:  map[string]*models.Organization{},
		ents:  map[string]*models.Entity{},
	}
	f.engine = New(f.store, Config{})

	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.tenant = &models.Tenant{Name: "acme", VillageCode: "00a1", IsActive: true}
	if err := tx.InsertTenant(ctx, f.tenant); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return f
}

func (f *fixture) addOrg(t *testing.T, name string, parent string) *models.Organization {
	t.Helper()
	ctx := context.Background()
	o := &models.Organization{TenantID: f.tenant.ID, Name: name, Type: models.OrgTypeTeam}
	if parent != "" {
		pid := f.orgs[parent].ID
		o.ParentID = &pid
	}
	tx, _ := f.store.Begin(ctx)
	if err := tx.InsertOrganization(ctx, o); err != nil {
		t.Fatalf("insert org %s: %v", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.orgs[name] = o
	f.engine.Invalidate(f.tenant.ID)
	return o
}

func (f *fixture) addEntity(t *testing.T, name, org string, typ models.EntityType) *models.Entity {
	t.Helper()
	ctx := context.Background()
	e := &models.Entity{
		TenantID:       f.tenant.ID,
		OrganizationID: f.orgs[org].ID,
		Name:           name,
		Type:           typ,
		IsActive:       true,
	}
	tx, _ := f.store.Begin(ctx)
	if err := tx.InsertEntity(ctx, e); err != nil {
		t.Fatalf("insert entity %s: %v", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.ents[name] = e
	f.engine.Invalidate(f.tenant.ID)
	return e
}

func (f *fixture) addDep(t *testing.T, src, dst string, typ models.DependencyType) {
	t.Helper()
	ctx := context.Background()
	d := &models.Dependency{
		TenantID:       f.tenant.ID,
		SourceEntityID: f.ents[src].ID,
		TargetEntityID: f.ents[dst].ID,
		Type:           typ,
	}
	tx, _ := f.store.Begin(ctx)
	if err := tx.InsertDependency(ctx, d); err != nil {
		t.Fatalf("insert dep %s->%s: %v", src, dst, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.engine.Invalidate(f.tenant.ID)
}

func TestImpactDownstream(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addOrg(t, "Platform", "Eng")
	f.addEntity(t, "web-01", "Platform", models.EntityCompute)
	f.addEntity(t, "db-01", "Platform", models.EntityDatabase)
	f.addDep(t, "web-01", "db-01", models.DepRuntime)

	nodes, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["web-01"].ID, models.Downstream, 5)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].EntityID != f.ents["web-01"].ID || nodes[0].Depth != 0 || nodes[0].Edge != "" {
		t.Errorf("source node = %+v", nodes[0])
	}
	if nodes[1].EntityID != f.ents["db-01"].ID || nodes[1].Depth != 1 || nodes[1].Edge != models.DepRuntime {
		t.Errorf("reached node = %+v", nodes[1])
	}
}

func TestImpactZeroDepthReturnsSourceOnly(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addEntity(t, "a", "Eng", models.EntityService)
	f.addEntity(t, "b", "Eng", models.EntityService)
	f.addDep(t, "a", "b", models.DepRuntime)

	nodes, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["a"].ID, models.Downstream, 0)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(nodes) != 1 || nodes[0].EntityID != f.ents["a"].ID {
		t.Fatalf("got %+v, want only the source", nodes)
	}
}

func TestImpactDepthOverCapRejected(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addEntity(t, "a", "Eng", models.EntityService)

	_, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["a"].ID, models.Downstream, 129)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestImpactUpstreamAndDedup(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	for _, n := range []string{"a", "b", "c"} {
		f.addEntity(t, n, "Eng", models.EntityService)
	}
	// diamond over soft edges: a->b, a->c, b->c; upstream from c sees both.
	f.addDep(t, "a", "b", models.DepRelated)
	f.addDep(t, "a", "c", models.DepRelated)
	f.addDep(t, "b", "c", models.DepRelated)

	nodes, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["c"].ID, models.Upstream, 4)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes, want 3 (dedup by node)", len(nodes))
	}
	// a is reached at depth 1 directly, never re-reported at depth 2.
	for _, n := range nodes[1:] {
		if n.EntityID == f.ents["a"].ID && n.Depth != 1 {
			t.Errorf("a first-reach depth = %d, want 1", n.Depth)
		}
	}
}

func TestCheckEdgeCyclePath(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	for _, n := range []string{"A", "B", "C"} {
		f.addEntity(t, n, "Eng", models.EntityService)
	}
	f.addDep(t, "A", "B", models.DepRuntime)
	f.addDep(t, "B", "C", models.DepRuntime)

	err := f.engine.CheckEdge(context.Background(), f.store.Reader(), f.tenant.ID,
		f.ents["C"].ID, f.ents["A"].ID, models.DepRuntime)
	if errs.KindOf(err) != errs.KindConflict || errs.ReasonOf(err) != errs.ReasonCycle {
		t.Fatalf("err = %v, want cycle conflict", err)
	}
	path, _ := errs.DetailsOf(err)["path"].([]string)
	want := []string{"C", "A", "B", "C"}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}

func TestCheckEdgeSoftTypeAllowsCycle(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addEntity(t, "A", "Eng", models.EntityService)
	f.addEntity(t, "B", "Eng", models.EntityService)
	f.addDep(t, "A", "B", models.DepRelated)

	err := f.engine.CheckEdge(context.Background(), f.store.Reader(), f.tenant.ID,
		f.ents["B"].ID, f.ents["A"].ID, models.DepRelated)
	if err != nil {
		t.Fatalf("soft edge rejected: %v", err)
	}
}

func TestChildrenOrdering(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addOrg(t, "zeta", "Eng")
	f.addOrg(t, "alpha", "Eng")
	f.addOrg(t, "mid", "Eng")
	f.addOrg(t, "leaf", "alpha")

	direct, err := f.engine.Children(context.Background(), f.tenant.ID, f.orgs["Eng"].ID, false)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	gotNames := []string{}
	for _, o := range direct {
		gotNames = append(gotNames, o.Name)
	}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Fatalf("direct children = %v, want %v", gotNames, want)
		}
	}

	all, err := f.engine.Children(context.Background(), f.tenant.ID, f.orgs["Eng"].ID, true)
	if err != nil {
		t.Fatalf("children recursive: %v", err)
	}
	if len(all) != 4 || all[3].Name != "leaf" {
		t.Fatalf("recursive children = %d nodes, last %q; want 4 with leaf last", len(all), all[len(all)-1].Name)
	}
}

func TestHierarchy(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "root", "")
	f.addOrg(t, "mid", "root")
	f.addOrg(t, "leaf", "mid")

	steps, err := f.engine.Hierarchy(context.Background(), f.tenant.ID, f.orgs["leaf"].ID)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if len(steps) != 3 || steps[0].Name != "root" || steps[2].Name != "leaf" {
		t.Fatalf("steps = %+v", steps)
	}
	for i, s := range steps {
		if s.Depth != i {
			t.Errorf("step %d depth = %d", i, s.Depth)
		}
	}
}

func TestHierarchyDepthLimit(t *testing.T) {
	f := newFixture(t)
	f.engine = New(f.store, Config{MaxHierarchyDepth: 3})
	f.addOrg(t, "o0", "")
	for i := 1; i <= 4; i++ {
		f.addOrg(t, "o"+string(rune('0'+i)), "o"+string(rune('0'+i-1)))
	}
	_, err := f.engine.Hierarchy(context.Background(), f.tenant.ID, f.orgs["o4"].ID)
	if errs.KindOf(err) != errs.KindInternal {
		t.Fatalf("kind = %v, want internal", errs.KindOf(err))
	}
}

func TestPathShortestAndTieBreak(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	// s -> a -> t and s -> b -> t; a has the smaller id.
	for _, n := range []string{"s", "a", "b", "t"} {
		f.addEntity(t, n, "Eng", models.EntityService)
	}
	f.addDep(t, "s", "a", models.DepRuntime)
	f.addDep(t, "s", "b", models.DepRuntime)
	f.addDep(t, "a", "t", models.DepRuntime)
	f.addDep(t, "b", "t", models.DepRuntime)

	res, err := f.engine.Path(context.Background(), f.tenant.ID, f.ents["s"].ID, f.ents["t"].ID, nil)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if res.Length != 2 {
		t.Fatalf("length = %d, want 2", res.Length)
	}
	if res.NodeIDs[1] != f.ents["a"].ID {
		t.Fatalf("middle hop = %d, want smaller id %d", res.NodeIDs[1], f.ents["a"].ID)
	}
}

func TestPathRespectsEdgeFilter(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addEntity(t, "s", "Eng", models.EntityService)
	f.addEntity(t, "t", "Eng", models.EntityService)
	f.addDep(t, "s", "t", models.DepRelated)

	_, err := f.engine.Path(context.Background(), f.tenant.ID, f.ents["s"].ID, f.ents["t"].ID,
		[]models.DependencyType{models.DepRuntime})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("kind = %v, want not found", errs.KindOf(err))
	}
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	for _, n := range []string{"a", "b", "c"} {
		f.addEntity(t, n, "Eng", models.EntityService)
	}
	f.addDep(t, "a", "b", models.DepRuntime)
	f.addDep(t, "b", "c", models.DepRuntime)

	res, err := f.engine.Analyze(context.Background(), f.tenant.ID, 0)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.EntityCount != 3 || res.DependencyCount != 2 {
		t.Fatalf("counts = %d/%d", res.EntityCount, res.DependencyCount)
	}
	if want := 2.0 / 9.0; res.Density != want {
		t.Errorf("density = %f, want %f", res.Density, want)
	}
	if !res.IsAcyclic {
		t.Error("hard subgraph reported cyclic")
	}
	if res.Sampled {
		t.Error("small scope should not be sampled")
	}
	// b sits on the only a->c shortest path.
	if len(res.CriticalNodes) == 0 || res.CriticalNodes[0].EntityID != f.ents["b"].ID {
		t.Errorf("critical nodes = %+v, want b ranked first", res.CriticalNodes)
	}
}

func TestAnalyzeScopedToOrgSubtree(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addOrg(t, "Platform", "Eng")
	f.addOrg(t, "Sales", "")
	f.addEntity(t, "in-sub", "Platform", models.EntityService)
	f.addEntity(t, "outside", "Sales", models.EntityService)

	res, err := f.engine.Analyze(context.Background(), f.tenant.ID, f.orgs["Eng"].ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.EntityCount != 1 {
		t.Fatalf("entity count = %d, want 1 (subtree only)", res.EntityCount)
	}
}

func TestNetworkTopology(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addOrg(t, "Platform", "Eng")
	f.addEntity(t, "vpc-a", "Eng", models.EntityNetwork)
	f.addEntity(t, "vpc-b", "Platform", models.EntityNetwork)
	f.addEntity(t, "web", "Eng", models.EntityCompute)
	f.addDep(t, "vpc-a", "vpc-b", models.DepNetwork)
	f.addDep(t, "vpc-a", "web", models.DepNetwork)
	f.addDep(t, "vpc-b", "vpc-a", models.DepRelated)

	topo, err := f.engine.NetworkTopology(context.Background(), f.tenant.ID, f.orgs["Eng"].ID, true)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(topo.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2 network entities", len(topo.Nodes))
	}
	if len(topo.Edges) != 1 {
		t.Fatalf("edges = %v, want only the network-typed vpc edge", topo.Edges)
	}

	// Without children the Platform-owned vpc drops out.
	topo, err = f.engine.NetworkTopology(context.Background(), f.tenant.ID, f.orgs["Eng"].ID, false)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(topo.Nodes) != 1 || len(topo.Edges) != 0 {
		t.Fatalf("nodes/edges = %d/%d, want 1/0", len(topo.Nodes), len(topo.Edges))
	}
}

func TestSnapshotInvalidation(t *testing.T) {
	f := newFixture(t)
	f.addOrg(t, "Eng", "")
	f.addEntity(t, "a", "Eng", models.EntityService)

	if _, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["a"].ID, models.Downstream, 1); err != nil {
		t.Fatalf("impact: %v", err)
	}

	// addEntity invalidates; the new entity must be visible.
	f.addEntity(t, "b", "Eng", models.EntityService)
	f.addDep(t, "a", "b", models.DepRuntime)
	nodes, err := f.engine.Impact(context.Background(), f.tenant.ID, f.ents["a"].ID, models.Downstream, 1)
	if err != nil {
		t.Fatalf("impact after invalidation: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes after invalidation, want 2", len(nodes))
	}
}
