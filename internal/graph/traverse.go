package graph

import (
	"sort"
	"strings"

	"github.com/efebarandurmaz/kiln/internal/vector"
)

// DefaultMaxDepth is the traversal depth used when none is given.
const DefaultMaxDepth = 2

// hopDecay scales a neighbor's score relative to the node it was reached from.
const hopDecay = 0.5

// Subgraph is the neighborhood of an entity.
type Subgraph struct {
	Entities  []Entity
	Relations []Relation
}

// Neighbors returns every entity within depth hops of key, including key
// itself, and the relations among the visited entities.
func (s *Store) Neighbors(key string, depth int) Subgraph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key = NormalizeName(key)
	if _, ok := s.entities[key]; !ok {
		return Subgraph{}
	}
	visited := map[string]struct{}{key: {}}
	frontier := []string{key}
	edges := make(map[string]*Relation)
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, k := range frontier {
			for _, r := range s.relationsOf(k) {
				edges[r.Key] = r
				other := r.Other(k)
				if _, seen := visited[other]; !seen {
					visited[other] = struct{}{}
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	var sub Subgraph
	for k := range visited {
		sub.Entities = append(sub.Entities, *s.entities[k])
	}
	for _, r := range edges {
		_, a := visited[r.Source]
		_, b := visited[r.Target]
		if a && b {
			sub.Relations = append(sub.Relations, *r)
		}
	}
	sort.Slice(sub.Entities, func(i, j int) bool { return sub.Entities[i].Key < sub.Entities[j].Key })
	sort.Slice(sub.Relations, func(i, j int) bool { return sub.Relations[i].Key < sub.Relations[j].Key })
	return sub
}

// Seed is a traversal starting point with its match score.
type Seed struct {
	Key   string
	Score float64
}

// ScoredEntity is an entity reached by traversal.
type ScoredEntity struct {
	Entity Entity
	Score  float64
	Depth  int
}

// ScoredRelation is a relation crossed by traversal.
type ScoredRelation struct {
	Relation Relation
	Score    float64
}

// Traversal is the ranked result of Traverse.
type Traversal struct {
	Entities  []ScoredEntity
	Relations []ScoredRelation
}

// Traverse expands the seeds breadth first up to depth hops. A neighbor
// scores its parent's score times hopDecay, scaled by the crossing
// relation's weight relative to the heaviest relation at the parent. Both
// entities and relations get a relevance boost for each query term their
// name or description contains. Results are sorted by score, then key.
func (s *Store) Traverse(seeds []Seed, depth int, terms []string) Traversal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if depth < 0 {
		depth = 0
	}
	best := make(map[string]*ScoredEntity)
	var frontier []string
	for _, seed := range seeds {
		e, ok := s.entities[seed.Key]
		if !ok || seed.Score <= 0 {
			continue
		}
		if cur, ok := best[seed.Key]; ok {
			cur.Score = max(cur.Score, seed.Score)
			continue
		}
		best[seed.Key] = &ScoredEntity{Entity: *e, Score: seed.Score}
		frontier = append(frontier, seed.Key)
	}
	sort.Strings(frontier)

	rels := make(map[string]*ScoredRelation)
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		level := make(map[string]float64)
		for _, k := range frontier {
			parent := best[k].Score
			adjacent := s.relationsOf(k)
			maxW := 0.0
			for _, r := range adjacent {
				maxW = max(maxW, r.Weight)
			}
			for _, r := range adjacent {
				factor := 1.0
				if maxW > 0 {
					factor = 0.5 + 0.5*r.Weight/maxW
				}
				rs := parent * factor * relevance(r.Description()+" "+strings.Join(r.Keywords, " "), terms)
				if cur, ok := rels[r.Key]; !ok || rs > cur.Score {
					rels[r.Key] = &ScoredRelation{Relation: *r, Score: rs}
				}
				other := r.Other(k)
				if _, done := best[other]; done {
					continue
				}
				ent := s.entities[other]
				ns := parent * hopDecay * factor * relevance(ent.Name+" "+ent.Description(), terms)
				level[other] = max(level[other], ns)
			}
		}
		frontier = frontier[:0]
		for k, score := range level {
			best[k] = &ScoredEntity{Entity: *s.entities[k], Score: score, Depth: d}
			frontier = append(frontier, k)
		}
		sort.Strings(frontier)
	}

	var out Traversal
	for _, e := range best {
		out.Entities = append(out.Entities, *e)
	}
	for _, r := range rels {
		out.Relations = append(out.Relations, *r)
	}
	sort.Slice(out.Entities, func(i, j int) bool {
		a, b := out.Entities[i], out.Entities[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Entity.Key < b.Entity.Key
	})
	sort.Slice(out.Relations, func(i, j int) bool {
		a, b := out.Relations[i], out.Relations[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Relation.Key < b.Relation.Key
	})
	return out
}

// relevance is 1 plus a quarter for each distinct term found in text.
func relevance(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	have := make(map[string]struct{})
	for _, w := range words(text) {
		have[w] = struct{}{}
	}
	n := 0
	for _, t := range terms {
		if _, ok := have[t]; ok {
			n++
		}
	}
	return 1 + 0.25*float64(n)
}

// EntityQuery selects entities by name mention or embedding similarity.
type EntityQuery struct {
	// Text is matched whole-word against entity keys.
	Text string
	// Embedding is compared against entity name embeddings when no name
	// matches.
	Embedding     []float32
	MinSimilarity float32
	Limit         int
}

// EntityMatch is an entity selected by FindEntities.
type EntityMatch struct {
	Entity Entity
	Score  float64
	ByName bool
}

// FindEntities returns entities whose full name occurs as whole words in
// q.Text with score 1. If none do, it falls back to entity embeddings with
// cosine similarity at least q.MinSimilarity. Results are sorted by score,
// then key, and capped at q.Limit when positive.
func (s *Store) FindEntities(q EntityQuery) []EntityMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EntityMatch
	text := " " + strings.Join(words(q.Text), " ") + " "
	if strings.TrimSpace(text) != "" {
		for _, e := range s.entities {
			name := strings.Join(words(e.Key), " ")
			if name != "" && strings.Contains(text, " "+name+" ") {
				out = append(out, EntityMatch{Entity: *e, Score: 1, ByName: true})
			}
		}
	}
	if len(out) == 0 && len(q.Embedding) > 0 {
		for _, e := range s.entities {
			if len(e.Embedding) != len(q.Embedding) {
				continue
			}
			sim := vector.Cosine(q.Embedding, e.Embedding)
			if sim >= q.MinSimilarity && sim > 0 {
				out = append(out, EntityMatch{Entity: *e, Score: float64(sim)})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.Key < out[j].Entity.Key
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Terms lowercases text into distinct words of at least three letters for
// relevance scoring.
func Terms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words(text) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
