package models

// ── Graph query results ──────────────────────────────────────

// ImpactDirection selects which way impact traversal walks the edges.
type ImpactDirection string

const (
	Downstream ImpactDirection = "downstream"
	Upstream   ImpactDirection = "upstream"
	BothWays   ImpactDirection = "both"
)

// ValidImpactDirection reports whether d is a known direction.
func ValidImpactDirection(d ImpactDirection) bool {
	return d == Downstream || d == Upstream || d == BothWays
}

// ImpactNode is one entity reached by an impact traversal, annotated with
// its first-reach depth and the edge label it was reached over. The source
// node has depth 0 and no edge.
type ImpactNode struct {
	EntityID int64          `json:"id"`
	Name     string         `json:"name"`
	Type     EntityType     `json:"entity_type"`
	Depth    int            `json:"depth"`
	Edge     DependencyType `json:"edge,omitempty"`
}

// CriticalNode is an entity ranked by the betweenness approximation: the
// count of shortest source-to-sink paths in the hard subgraph passing
// through it.
type CriticalNode struct {
	EntityID int64  `json:"id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// AnalyzeResult summarizes a dependency graph scope.
type AnalyzeResult struct {
	EntityCount     int            `json:"entity_count"`
	DependencyCount int            `json:"dependency_count"`
	Density         float64        `json:"density"`
	IsAcyclic       bool           `json:"is_acyclic"`
	CriticalNodes   []CriticalNode `json:"critical_nodes"`
	Sampled         bool           `json:"sampled"`
}

// PathResult is a shortest unweighted path between two entities.
type PathResult struct {
	NodeIDs []int64          `json:"node_ids"`
	Edges   []DependencyType `json:"edges"`
	Length  int              `json:"length"`
}

// HierarchyStep is one node on the path from a tenant root down to an
// organization.
type HierarchyStep struct {
	OrganizationID int64  `json:"organization_id"`
	Name           string `json:"name"`
	Depth          int    `json:"depth"`
}

// TopologyNode is a network-view node for visualization consumers.
type TopologyNode struct {
	EntityID int64      `json:"id"`
	Name     string     `json:"name"`
	Type     EntityType `json:"entity_type"`
}

// TopologyEdge is a network-view edge for visualization consumers.
type TopologyEdge struct {
	SourceEntityID int64 `json:"source_entity_id"`
	TargetEntityID int64 `json:"target_entity_id"`
}

// Topology is the network-restricted subgraph of an organization.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// ── Pagination envelope ──────────────────────────────────────

// Page is the standard list response envelope.
type Page[T any] struct {
	Items   []T   `json:"items"`
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Pages   int   `json:"pages"`
}

// NewPage builds a page envelope, computing the page count from the total.
func NewPage[T any](items []T, total int64, page, perPage int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if perPage > 0 {
		pages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	return Page[T]{Items: items, Total: total, Page: page, PerPage: perPage, Pages: pages}
}
