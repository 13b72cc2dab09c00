package graph

import (
	"context"
	"math"
	"sort"

	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/pkg/models"
)

// maxCriticalNodes caps the ranked list returned by Analyze.
const maxCriticalNodes = 10

// Analyze summarizes the dependency graph of a scope: the whole tenant when
// orgID is 0, otherwise the organization and its descendants. Density keeps
// the historical edges/nodes² formula. Acyclicity and critical-node scores
// are computed on the hard subgraph only; scopes above the sample threshold
// get approximate scores from √N sampled sources.
func (e *Engine) Analyze(ctx context.Context, tenantID, orgID int64) (*models.AnalyzeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzeTimeout)
	defer cancel()

	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	scope, err := e.scopeEntities(ctx, snap, tenantID, orgID)
	if err != nil {
		return nil, err
	}

	// Hard-subgraph adjacency restricted to the scope.
	out := make(map[int64][]int64)
	indeg := make(map[int64]int)
	edgeCount := 0
	for id := range scope {
		for _, ed := range snap.out[id] {
			if !scope[ed.Target] {
				continue
			}
			edgeCount++
			if !models.HardDependency(ed.Type) {
				continue
			}
			out[id] = append(out[id], ed.Target)
			indeg[ed.Target]++
		}
	}
	for _, adj := range out {
		sort.Slice(adj, func(i, j int) bool { return adj[i] < adj[j] })
	}

	res := &models.AnalyzeResult{
		EntityCount:     len(scope),
		DependencyCount: edgeCount,
		IsAcyclic:       acyclic(scope, out, indeg),
	}
	if n := len(scope); n > 0 {
		res.Density = float64(edgeCount) / float64(n*n)
	}

	sources := hardSources(scope, indeg)
	if len(scope) > e.cfg.SampleThreshold {
		res.Sampled = true
		sources = sampleSources(sources, int(math.Sqrt(float64(len(scope)))))
	}

	scores := make(map[int64]int)
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return nil, errs.New(errs.KindDeadline, "analysis cancelled")
		}
		accumulateThroughCounts(s, out, scores)
	}

	for _, id := range sortedIDs(scores) {
		if scores[id] == 0 {
			continue
		}
		en := snap.entities[id]
		res.CriticalNodes = append(res.CriticalNodes, models.CriticalNode{
			EntityID: id, Name: en.Name, Score: scores[id],
		})
	}
	sort.SliceStable(res.CriticalNodes, func(i, j int) bool {
		return res.CriticalNodes[i].Score > res.CriticalNodes[j].Score
	})
	if len(res.CriticalNodes) > maxCriticalNodes {
		res.CriticalNodes = res.CriticalNodes[:maxCriticalNodes]
	}
	return res, nil
}

// scopeEntities returns the entity-id set of the analysis scope.
func (e *Engine) scopeEntities(ctx context.Context, snap *snapshot, tenantID, orgID int64) (map[int64]bool, error) {
	scope := make(map[int64]bool)
	if orgID == 0 {
		for id := range snap.entities {
			scope[id] = true
		}
		return scope, nil
	}
	orgIDs, err := e.DescendantIDs(ctx, tenantID, orgID)
	if err != nil {
		return nil, err
	}
	for _, oid := range orgIDs {
		for _, id := range snap.entityByOrg[oid] {
			scope[id] = true
		}
	}
	return scope, nil
}

// acyclic runs Kahn's algorithm over the hard subgraph.
func acyclic(scope map[int64]bool, out map[int64][]int64, indeg map[int64]int) bool {
	deg := make(map[int64]int, len(indeg))
	for id, d := range indeg {
		deg[id] = d
	}
	var queue []int64
	for id := range scope {
		if deg[id] == 0 {
			queue = append(queue, id)
		}
	}
	removed := 0
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		removed++
		for _, t := range out[id] {
			deg[t]--
			if deg[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	return removed == len(scope)
}

// hardSources returns scope nodes with no incoming hard edge, sorted.
func hardSources(scope map[int64]bool, indeg map[int64]int) []int64 {
	var sources []int64
	for id := range scope {
		if indeg[id] == 0 {
			sources = append(sources, id)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// sampleSources picks an evenly-strided subset of n sources. Striding over
// the sorted list keeps results stable across runs on the same snapshot.
func sampleSources(sources []int64, n int) []int64 {
	if n <= 0 || n >= len(sources) {
		return sources
	}
	sampled := make([]int64, 0, n)
	step := float64(len(sources)) / float64(n)
	for i := 0; i < n; i++ {
		sampled = append(sampled, sources[int(float64(i)*step)])
	}
	return sampled
}

// accumulateThroughCounts adds, for every node other than the source, the
// number of shortest source-to-sink paths passing through it. One BFS
// computes distances and shortest-path counts; a reverse sweep in
// decreasing-distance order folds sink continuations back toward the
// source.
func accumulateThroughCounts(source int64, out map[int64][]int64, scores map[int64]int) {
	dist := map[int64]int{source: 0}
	sigma := map[int64]int{source: 1}
	order := []int64{source}
	frontier := []int64{source}
	for len(frontier) > 0 {
		var next []int64
		for _, id := range frontier {
			for _, t := range out[id] {
				d, seen := dist[t]
				if !seen {
					dist[t] = dist[id] + 1
					sigma[t] = sigma[id]
					order = append(order, t)
					next = append(next, t)
				} else if d == dist[id]+1 {
					sigma[t] += sigma[id]
				}
			}
		}
		frontier = next
	}

	// continuations[v] = number of shortest paths from v to any sink.
	continuations := make(map[int64]int, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		c := 0
		for _, w := range out[v] {
			if dist[w] == dist[v]+1 {
				c += continuations[w]
			}
		}
		if len(out[v]) == 0 {
			c = 1 // v is a sink
		}
		continuations[v] = c
	}
	for _, v := range order {
		if v == source {
			continue
		}
		scores[v] += sigma[v] * continuations[v]
	}
}

// NetworkTopology returns the subgraph of network entities and network
// dependencies under an organization, optionally including descendant
// organizations.
func (e *Engine) NetworkTopology(ctx context.Context, tenantID, orgID int64, includeChildren bool) (*models.Topology, error) {
	snap, err := e.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.orgs[orgID]; !ok {
		return nil, errs.NotFound("organization", orgID)
	}
	orgIDs := []int64{orgID}
	if includeChildren {
		orgIDs, err = e.DescendantIDs(ctx, tenantID, orgID)
		if err != nil {
			return nil, err
		}
	}

	topo := &models.Topology{Nodes: []models.TopologyNode{}, Edges: []models.TopologyEdge{}}
	inScope := make(map[int64]bool)
	for _, oid := range orgIDs {
		for _, id := range snap.entityByOrg[oid] {
			en := snap.entities[id]
			if en.Type != models.EntityNetwork {
				continue
			}
			inScope[id] = true
			topo.Nodes = append(topo.Nodes, models.TopologyNode{
				EntityID: en.ID, Name: en.Name, Type: en.Type,
			})
		}
	}
	sort.Slice(topo.Nodes, func(i, j int) bool { return topo.Nodes[i].EntityID < topo.Nodes[j].EntityID })

	for _, id := range sortedIDs(inScope) {
		for _, ed := range snap.out[id] {
			if ed.Type != models.DepNetwork || !inScope[ed.Target] {
				continue
			}
			topo.Edges = append(topo.Edges, models.TopologyEdge{
				SourceEntityID: ed.Source, TargetEntityID: ed.Target,
			})
		}
	}
	return topo, nil
}
