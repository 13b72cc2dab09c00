// Package graph maintains per-tenant in-memory views over the organization
// tree and the entity dependency graph, and answers traversal and analysis
// queries against them.
//
// Views are consistent snapshots: a snapshot is built in one pass from a
// store reader, published atomically, and dropped wholesale on invalidation.
// Queries never observe a half-applied mutation. Cycle checks for edge
// inserts run against the caller's transaction instead of the cache so they
// see uncommitted rows of the same transaction.
package graph

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Config bounds traversal depth and analysis cost.
type Config struct {
	MaxHierarchyDepth  int
	MaxImpactDepth     int
	HardImpactDepthCap int
	AnalyzeTimeout     time.Duration
	// SampleThreshold is the node count above which analyze switches to
	// sampled betweenness scoring.
	SampleThreshold int
}

func (c *Config) defaults() {
	if c.MaxHierarchyDepth <= 0 {
		c.MaxHierarchyDepth = 64
	}
	if c.MaxImpactDepth <= 0 {
		c.MaxImpactDepth = 16
	}
	if c.HardImpactDepthCap <= 0 {
		c.HardImpactDepthCap = 128
	}
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = 60 * time.Second
	}
	if c.SampleThreshold <= 0 {
		c.SampleThreshold = 5000
	}
}

// edge is one directed dependency inside a snapshot.
type edge struct {
	ID     int64
	Source int64
	Target int64
	Type   models.DependencyType
}

// snapshot is an immutable per-tenant view. Adjacency lists are sorted so
// traversals are deterministic.
type snapshot struct {
	tenantID    int64
	orgs        map[int64]models.Organization
	orgChildren map[int64][]int64 // sorted by (name, id)
	entities    map[int64]models.Entity
	entityByOrg map[int64][]int64
	out         map[int64][]edge // sorted by (target, type)
	in          map[int64][]edge // sorted by (source, type)
	edgeCount   int
	builtAt     time.Time
}

// Engine answers graph queries for all tenants, building snapshots lazily.
type Engine struct {
	store store.Store
	cfg   Config

	mu    sync.RWMutex
	snaps map[int64]*snapshot
	sf    singleflight.Group
}

// New creates an Engine over the store.
func New(s store.Store, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{store: s, cfg: cfg, snaps: make(map[int64]*snapshot)}
}

// Invalidate drops the tenant's snapshot. The next query rebuilds it from
// the store, observing everything committed before the call.
func (e *Engine) Invalidate(tenantID int64) {
	e.mu.Lock()
	delete(e.snaps, tenantID)
	e.mu.Unlock()
}

// snapshotFor returns the tenant's snapshot, building it at most once per
// invalidation even under concurrent queries.
func (e *Engine) snapshotFor(ctx context.Context, tenantID int64) (*snapshot, error) {
	e.mu.RLock()
	snap := e.snaps[tenantID]
	e.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	v, err, _ := e.sf.Do(snapKey(tenantID), func() (any, error) {
		e.mu.RLock()
		cached := e.snaps[tenantID]
		e.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		built, err := buildSnapshot(ctx, e.store.Reader(), tenantID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.snaps[tenantID] = built
		e.mu.Unlock()
		log.Debug().
			Int64("tenant", tenantID).
			Int("orgs", len(built.orgs)).
			Int("entities", len(built.entities)).
			Int("edges", built.edgeCount).
			Msg("graph snapshot built")
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func snapKey(tenantID int64) string {
	return strconv.FormatInt(tenantID, 10)
}

// buildSnapshot batch-loads the tenant's orgs, entities and edges in one
// pass over the reader.
func buildSnapshot(ctx context.Context, r store.Reader, tenantID int64) (*snapshot, error) {
	orgs, err := r.AllOrganizations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	entities, err := r.AllEntities(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	deps, err := r.AllDependencies(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		tenantID:    tenantID,
		orgs:        make(map[int64]models.Organization, len(orgs)),
		orgChildren: make(map[int64][]int64),
		entities:    make(map[int64]models.Entity, len(entities)),
		entityByOrg: make(map[int64][]int64),
		out:         make(map[int64][]edge),
		in:          make(map[int64][]edge),
		edgeCount:   len(deps),
		builtAt:     time.Now().UTC(),
	}
	for _, o := range orgs {
		snap.orgs[o.ID] = o
		if o.ParentID != nil {
			snap.orgChildren[*o.ParentID] = append(snap.orgChildren[*o.ParentID], o.ID)
		}
	}
	for parent, kids := range snap.orgChildren {
		ids := kids
		sort.Slice(ids, func(i, j int) bool {
			a, b := snap.orgs[ids[i]], snap.orgs[ids[j]]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.ID < b.ID
		})
		snap.orgChildren[parent] = ids
	}
	for _, en := range entities {
		snap.entities[en.ID] = en
		snap.entityByOrg[en.OrganizationID] = append(snap.entityByOrg[en.OrganizationID], en.ID)
	}
	for _, ids := range snap.entityByOrg {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	for _, d := range deps {
		ed := edge{ID: d.ID, Source: d.SourceEntityID, Target: d.TargetEntityID, Type: d.Type}
		snap.out[ed.Source] = append(snap.out[ed.Source], ed)
		snap.in[ed.Target] = append(snap.in[ed.Target], ed)
	}
	for _, adj := range snap.out {
		sortEdges(adj, func(e edge) int64 { return e.Target })
	}
	for _, adj := range snap.in {
		sortEdges(adj, func(e edge) int64 { return e.Source })
	}
	return snap, nil
}

func sortEdges(adj []edge, far func(edge) int64) {
	sort.Slice(adj, func(i, j int) bool {
		if far(adj[i]) != far(adj[j]) {
			return far(adj[i]) < far(adj[j])
		}
		return adj[i].Type < adj[j].Type
	})
}

// Children returns an organization's children, or its whole descendant
// subtree in BFS order when recursive is set. Order is stable: siblings
// sort by name then id.
func (e *Engine) Children(ctx context.Context, tenantID, orgID int64, recursive bool) ([]models.Organization, error) {
	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.orgs[orgID]; !ok {
		return nil, errs.NotFound("organization", orgID)
	}
	var result []models.Organization
	frontier := snap.orgChildren[orgID]
	for len(frontier) > 0 {
		var next []int64
		for _, id := range frontier {
			result = append(result, snap.orgs[id])
			if recursive {
				next = append(next, snap.orgChildren[id]...)
			}
		}
		frontier = next
	}
	return result, nil
}

// DescendantIDs returns orgID plus the ids of every organization below it.
func (e *Engine) DescendantIDs(ctx context.Context, tenantID, orgID int64) ([]int64, error) {
	subtree, err := e.Children(ctx, tenantID, orgID, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(subtree)+1)
	ids = append(ids, orgID)
	for _, o := range subtree {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// Hierarchy returns the path from the tenant root down to org. A chain
// longer than the configured depth limit indicates tree corruption and
// fails rather than looping.
func (e *Engine) Hierarchy(ctx context.Context, tenantID, orgID int64) ([]models.HierarchyStep, error) {
	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	org, ok := snap.orgs[orgID]
	if !ok {
		return nil, errs.NotFound("organization", orgID)
	}
	var chain []models.Organization
	for {
		chain = append(chain, org)
		if len(chain) > e.cfg.MaxHierarchyDepth {
			return nil, errs.New(errs.KindInternal,
				"organization %d ancestry exceeds depth %d", orgID, e.cfg.MaxHierarchyDepth)
		}
		if org.ParentID == nil {
			break
		}
		parent, ok := snap.orgs[*org.ParentID]
		if !ok {
			return nil, errs.New(errs.KindInternal,
				"organization %d has dangling parent %d", org.ID, *org.ParentID)
		}
		org = parent
	}
	steps := make([]models.HierarchyStep, len(chain))
	for i := range chain {
		o := chain[len(chain)-1-i]
		steps[i] = models.HierarchyStep{OrganizationID: o.ID, Name: o.Name, Depth: i}
	}
	return steps, nil
}

// OrgDepth reports how deep org sits under the tenant root, root being 0.
func (e *Engine) OrgDepth(ctx context.Context, tenantID, orgID int64) (int, error) {
	steps, err := e.Hierarchy(ctx, tenantID, orgID)
	if err != nil {
		return 0, err
	}
	return len(steps) - 1, nil
}
