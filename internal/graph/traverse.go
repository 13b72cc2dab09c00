package graph

import (
	"context"
	"sort"
	"strconv"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/pkg/models"
)

// Impact walks the dependency graph from an entity and returns every node
// reachable within maxDepth, in BFS order with first-reach depth and the
// edge type it was first reached over. The source appears at depth 0 with
// no edge. maxDepth 0 returns the source alone; values above the hard cap
// are rejected.
func (e *Engine) Impact(ctx context.Context, tenantID, entityID int64, dir models.ImpactDirection, maxDepth int) ([]models.ImpactNode, error) {
	if !models.ValidImpactDirection(dir) {
		return nil, errs.Validation("unknown impact direction %q", dir)
	}
	if maxDepth < 0 {
		return nil, errs.Validation("max_depth must be non-negative")
	}
	if maxDepth > e.cfg.HardImpactDepthCap {
		return nil, errs.Validation("max_depth %d exceeds cap %d", maxDepth, e.cfg.HardImpactDepthCap)
	}
	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	src, ok := snap.entities[entityID]
	if !ok {
		return nil, errs.NotFound("entity", entityID)
	}

	result := []models.ImpactNode{{
		EntityID: src.ID, Name: src.Name, Type: src.Type, Depth: 0,
	}}
	seen := map[int64]bool{entityID: true}
	frontier := []int64{entityID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.New(errs.KindDeadline, "impact traversal cancelled at depth %d", depth)
		}
		var next []int64
		for _, id := range frontier {
			for _, ed := range snap.neighbors(id, dir) {
				far := ed.far(id, dir)
				if seen[far] {
					continue
				}
				seen[far] = true
				en := snap.entities[far]
				result = append(result, models.ImpactNode{
					EntityID: en.ID, Name: en.Name, Type: en.Type,
					Depth: depth, Edge: ed.Type,
				})
				next = append(next, far)
			}
		}
		frontier = next
	}
	return result, nil
}

// neighbors returns the edges leaving id in the traversal direction. For
// "both" the outgoing edges come first, each list already sorted.
func (s *snapshot) neighbors(id int64, dir models.ImpactDirection) []edge {
	switch dir {
	case models.Downstream:
		return s.out[id]
	case models.Upstream:
		return s.in[id]
	default:
		both := make([]edge, 0, len(s.out[id])+len(s.in[id]))
		both = append(both, s.out[id]...)
		both = append(both, s.in[id]...)
		return both
	}
}

// far returns the endpoint of the edge away from id given the direction the
// edge was taken in.
func (ed edge) far(id int64, dir models.ImpactDirection) int64 {
	switch dir {
	case models.Downstream:
		return ed.Target
	case models.Upstream:
		return ed.Source
	default:
		if ed.Source == id {
			return ed.Target
		}
		return ed.Source
	}
}

// Path finds the shortest unweighted directed path from source to target
// over edges whose type is in filter (nil or empty means all types). Among
// equal-length paths the lexicographically smallest node-id sequence wins.
func (e *Engine) Path(ctx context.Context, tenantID, sourceID, targetID int64, filter []models.DependencyType) (*models.PathResult, error) {
	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.entities[sourceID]; !ok {
		return nil, errs.NotFound("entity", sourceID)
	}
	if _, ok := snap.entities[targetID]; !ok {
		return nil, errs.NotFound("entity", targetID)
	}
	allow := typeSet(filter)

	// Reverse BFS from the target gives distance-to-target for every node;
	// a greedy forward walk picking the smallest-id next hop then yields
	// the lexicographically smallest shortest path.
	dist := map[int64]int{targetID: 0}
	frontier := []int64{targetID}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errs.New(errs.KindDeadline, "path search cancelled")
		}
		var next []int64
		for _, id := range frontier {
			for _, ed := range snap.in[id] {
				if !allowed(allow, ed.Type) {
					continue
				}
				if _, ok := dist[ed.Source]; ok {
					continue
				}
				dist[ed.Source] = dist[id] + 1
				next = append(next, ed.Source)
			}
		}
		frontier = next
	}

	total, ok := dist[sourceID]
	if !ok {
		return nil, errs.NotFound("path", sourceID)
	}

	res := &models.PathResult{NodeIDs: []int64{sourceID}, Length: total}
	cur := sourceID
	for cur != targetID {
		want := dist[cur] - 1
		var best *edge
		for i := range snap.out[cur] {
			ed := snap.out[cur][i]
			if !allowed(allow, ed.Type) {
				continue
			}
			d, ok := dist[ed.Target]
			if !ok || d != want {
				continue
			}
			if best == nil || ed.Target < best.Target || (ed.Target == best.Target && ed.Type < best.Type) {
				best = &ed
			}
		}
		if best == nil {
			return nil, errs.New(errs.KindInternal, "path reconstruction lost the frontier at entity %d", cur)
		}
		res.NodeIDs = append(res.NodeIDs, best.Target)
		res.Edges = append(res.Edges, best.Type)
		cur = best.Target
	}
	return res, nil
}

// CheckEdge verifies that adding a (source → target, type) dependency would
// keep the hard subgraph acyclic. It reads through the caller's transaction
// so rows written earlier in the same transaction are visible. Soft edge
// types always pass.
func (e *Engine) CheckEdge(ctx context.Context, r store.Reader, tenantID, sourceID, targetID int64, typ models.DependencyType) error {
	if !models.HardDependency(typ) {
		return nil
	}
	deps, err := r.AllDependencies(ctx, tenantID)
	if err != nil {
		return err
	}
	out := make(map[int64][]edge)
	for _, d := range deps {
		if !models.HardDependency(d.Type) {
			continue
		}
		out[d.SourceEntityID] = append(out[d.SourceEntityID], edge{
			ID: d.ID, Source: d.SourceEntityID, Target: d.TargetEntityID, Type: d.Type,
		})
	}
	for _, adj := range out {
		sortEdges(adj, func(e edge) int64 { return e.Target })
	}

	// DFS from the prospective target; reaching the source means the new
	// edge closes a cycle.
	found := dfsPath(out, targetID, sourceID, map[int64]bool{})
	if found == nil {
		return nil
	}

	names := make([]string, 0, len(found)+1)
	names = append(names, e.entityName(ctx, r, sourceID))
	for _, id := range found {
		names = append(names, e.entityName(ctx, r, id))
	}
	conflict := errs.Conflict(errs.ReasonCycle,
		"dependency %d -> %d (%s) would create a cycle", sourceID, targetID, typ)
	conflict.Details = map[string]any{"path": names}
	return conflict
}

// dfsPath returns the node sequence from 'from' to 'to' over out-edges, or
// nil when unreachable. Neighbors are visited in sorted order so the
// reported cycle is deterministic.
func dfsPath(out map[int64][]edge, from, to int64, visited map[int64]bool) []int64 {
	if from == to {
		return []int64{from}
	}
	visited[from] = true
	for _, ed := range out[from] {
		if visited[ed.Target] {
			continue
		}
		if rest := dfsPath(out, ed.Target, to, visited); rest != nil {
			return append([]int64{from}, rest...)
		}
	}
	return nil
}

func (e *Engine) entityName(ctx context.Context, r store.Reader, id int64) string {
	en, err := r.GetEntity(ctx, id)
	if err != nil {
		return strconv.FormatInt(id, 10)
	}
	return en.Name
}

func typeSet(filter []models.DependencyType) map[models.DependencyType]bool {
	if len(filter) == 0 {
		return nil
	}
	set := make(map[models.DependencyType]bool, len(filter))
	for _, t := range filter {
		set[t] = true
	}
	return set
}

func allowed(set map[models.DependencyType]bool, t models.DependencyType) bool {
	return set == nil || set[t]
}

// sortedIDs is a helper for deterministic iteration over id-keyed maps.
func sortedIDs[M ~map[int64]V, V any](m M) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
