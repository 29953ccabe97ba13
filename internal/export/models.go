// Package export renders a snapshot of the knowledge graph for inspection
// and visualization.
package export

import (
	"sort"
	"strings"

	"github.com/efebarandurmaz/kiln/internal/graph"
)

// Node is an entity in an exported graph.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Degree      int      `json:"degree"`
}

// Edge is an undirected relation between two nodes.
type Edge struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Weight      float64  `json:"weight"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Snapshot is a point-in-time copy of the graph, sorted by key.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
	Stats Stats  `json:"stats"`
}

// Stats summarizes a snapshot.
type Stats struct {
	Entities   int            `json:"entities"`
	Relations  int            `json:"relations"`
	ByType     map[string]int `json:"by_type"`
	MaxDegree  int            `json:"max_degree"`
	Hotspot    string         `json:"hotspot,omitempty"`
	Components int            `json:"components"`
}

// FromStore copies the current contents of s.
func FromStore(s *graph.Store) Snapshot {
	return FromGraph(s.Entities(), s.Relations())
}

// FromGraph builds a snapshot from entity and relation lists.
func FromGraph(entities []graph.Entity, relations []graph.Relation) Snapshot {
	snap := Snapshot{
		Nodes: make([]Node, 0, len(entities)),
		Edges: make([]Edge, 0, len(relations)),
	}
	degree := make(map[string]int)
	for _, r := range relations {
		degree[r.Source]++
		degree[r.Target]++
		snap.Edges = append(snap.Edges, Edge{
			Source:      r.Source,
			Target:      r.Target,
			Weight:      r.Weight,
			Description: flatten(r.Description()),
			Keywords:    r.Keywords,
		})
	}
	for _, e := range entities {
		snap.Nodes = append(snap.Nodes, Node{
			ID:          e.Key,
			Name:        e.Name,
			Type:        e.Type,
			Description: flatten(e.Description()),
			Sources:     e.SourceChunkIDs,
			Degree:      degree[e.Key],
		})
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Source != snap.Edges[j].Source {
			return snap.Edges[i].Source < snap.Edges[j].Source
		}
		return snap.Edges[i].Target < snap.Edges[j].Target
	})
	snap.computeStats()
	return snap
}

func flatten(desc string) string {
	return strings.ReplaceAll(desc, graph.DescriptionSeparator, "; ")
}

func (s *Snapshot) computeStats() {
	s.Stats = Stats{
		Entities:  len(s.Nodes),
		Relations: len(s.Edges),
		ByType:    make(map[string]int),
	}
	for _, n := range s.Nodes {
		s.Stats.ByType[n.Type]++
		if n.Degree > s.Stats.MaxDegree {
			s.Stats.MaxDegree = n.Degree
			s.Stats.Hotspot = n.ID
		}
	}
	s.Stats.Components = s.countComponents()
}

// countComponents counts connected components via union-find.
func (s *Snapshot) countComponents() int {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == "" {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, n := range s.Nodes {
		find(n.ID)
	}
	for _, e := range s.Edges {
		if a, b := find(e.Source), find(e.Target); a != b {
			parent[a] = b
		}
	}
	roots := make(map[string]bool)
	for _, n := range s.Nodes {
		roots[find(n.ID)] = true
	}
	return len(roots)
}
