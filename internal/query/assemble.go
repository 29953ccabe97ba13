package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/kb"
)

// sourceChunkDecay scales the graph score a chunk inherits from the entity
// or relation that cites it.
const sourceChunkDecay = 0.5

type candidate struct {
	Fragment
	v, g float64
}

// retrieve collects raw candidates from the enabled sources and scores them.
// It runs under the knowledge base read lock.
func (e *Engine) retrieve(ctx context.Context, v *kb.View, text string, qvec []float32, p params) ([]Fragment, error) {
	byID := make(map[string]*candidate)
	add := func(id string, kind Kind, body string, vs, gs float64) {
		c, ok := byID[id]
		if !ok {
			c = &candidate{Fragment: Fragment{ID: id, Kind: kind, Text: body}}
			byID[id] = c
		}
		c.v = max(c.v, vs)
		c.g = max(c.g, gs)
	}

	if p.mode.usesVectors() && len(qvec) > 0 {
		hits, err := v.Search(ctx, qvec, p.topK)
		if err != nil {
			return nil, fmt.Errorf("searching chunks: %w", err)
		}
		for _, h := range hits {
			if h.Score <= 0 {
				continue
			}
			c, _ := v.Chunk(h.ID)
			add(h.ID, KindChunk, c.Text, float64(h.Score), 0)
		}
	}

	if p.mode.usesGraph() {
		g := v.Graph()
		matches := g.FindEntities(graph.EntityQuery{
			Text:          text,
			Embedding:     qvec,
			MinSimilarity: p.minSim,
			Limit:         p.topK,
		})
		seeds := make([]graph.Seed, len(matches))
		for i, m := range matches {
			seeds[i] = graph.Seed{Key: m.Entity.Key, Score: m.Score}
		}
		tr := g.Traverse(seeds, p.depth, graph.Terms(text))

		cited := make(map[string]float64)
		cite := func(ids []string, score float64) {
			for _, id := range ids {
				cited[id] = max(cited[id], score*sourceChunkDecay)
			}
		}
		for _, se := range tr.Entities {
			add("entity:"+se.Entity.Key, KindEntity, entityText(se.Entity), 0, se.Score)
			cite(se.Entity.SourceChunkIDs, se.Score)
		}
		for _, sr := range tr.Relations {
			add(relationID(sr.Relation), KindRelation, relationText(sr.Relation), 0, sr.Score)
			cite(sr.Relation.SourceChunkIDs, sr.Score)
		}
		for _, id := range topCited(cited, p.topK) {
			c, ok := v.Chunk(id)
			if !ok {
				continue
			}
			add(id, KindChunk, c.Text, 0, cited[id])
		}
	}

	var maxV, maxG float64
	for _, c := range byID {
		maxV = max(maxV, c.v)
		maxG = max(maxG, c.g)
	}
	out := make([]Fragment, 0, len(byID))
	for _, c := range byID {
		f := c.Fragment
		var nv, ng float64
		if maxV > 0 {
			nv = c.v / maxV
		}
		if maxG > 0 {
			ng = c.g / maxG
		}
		f.VectorScore, f.GraphScore = c.v, c.g
		f.Score = p.vw*nv + p.gw*ng
		switch {
		case c.v > 0 && c.g > 0:
			f.Source = SourceHybrid
		case c.v > 0:
			f.Source = SourceVector
		default:
			f.Source = SourceGraph
		}
		f.Tokens = e.count(f.Text)
		out = append(out, f)
	}
	sortFragments(out)
	return out, nil
}

// topCited returns up to k chunk IDs by inherited score, then ID.
func topCited(cited map[string]float64, k int) []string {
	ids := make([]string, 0, len(cited))
	for id := range cited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if cited[ids[i]] != cited[ids[j]] {
			return cited[ids[i]] > cited[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids
}

func sortFragments(fs []Fragment) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Score != fs[j].Score {
			return fs[i].Score > fs[j].Score
		}
		return fs[i].ID < fs[j].ID
	})
}

// budget keeps the best fragments within the token budget. In hybrid mode
// the best vector fragment and the best graph fragment are placed first;
// if the two together exceed the budget each is cut to half of it.
func (e *Engine) budget(fs []Fragment, p params) []Fragment {
	if len(fs) == 0 {
		return nil
	}
	taken := make(map[string]bool)
	var out []Fragment
	left := p.budget

	take := func(f Fragment, limit int) {
		if f.Tokens > limit {
			f = e.truncate(f, limit)
		}
		if f.Tokens == 0 || f.Tokens > left {
			return
		}
		taken[f.ID] = true
		left -= f.Tokens
		out = append(out, f)
	}

	if p.mode == ModeHybrid {
		bestV, bestG := -1, -1
		for i, f := range fs {
			if bestV < 0 && f.VectorScore > 0 {
				bestV = i
			}
			if bestG < 0 && f.GraphScore > 0 {
				bestG = i
			}
		}
		switch {
		case bestV >= 0 && bestG >= 0 && bestV != bestG:
			limit := p.budget
			if fs[bestV].Tokens+fs[bestG].Tokens > p.budget {
				limit = p.budget / 2
			}
			take(fs[min(bestV, bestG)], limit)
			take(fs[max(bestV, bestG)], limit)
		case bestV >= 0:
			take(fs[bestV], p.budget)
		case bestG >= 0:
			take(fs[bestG], p.budget)
		}
	}

	for _, f := range fs {
		if taken[f.ID] || f.Tokens > left {
			continue
		}
		take(f, left)
	}
	if len(out) == 0 {
		// A lone oversized fragment is cut to fit rather than dropped.
		take(fs[0], p.budget)
	}
	sortFragments(out)
	return out
}

func (e *Engine) count(text string) int {
	n, err := e.tokenizer.Count(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return n
}

// truncate cuts f to at most n tokens. A span may hold several tokens, so
// the longest span prefix whose count fits is kept.
func (e *Engine) truncate(f Fragment, n int) Fragment {
	if n <= 0 {
		f.Text, f.Tokens = "", 0
		return f
	}
	if e.count(f.Text) <= n {
		return f
	}
	spans, err := e.tokenizer.Spans(f.Text)
	if err != nil || len(spans) == 0 {
		f.Text, f.Tokens = "", 0
		return f
	}
	prefix := func(k int) string {
		if k == 0 {
			return ""
		}
		return strings.TrimSpace(f.Text[:spans[k-1].End])
	}
	// Largest k with count(prefix(k)) <= n.
	k := sort.Search(len(spans)+1, func(k int) bool {
		return k > 0 && e.count(prefix(k)) > n
	}) - 1
	f.Text = prefix(k)
	f.Tokens = e.count(f.Text)
	f.Truncated = true
	return f
}

func relationID(r graph.Relation) string {
	return "relation:" + r.Source + "|" + r.Target
}

func entityText(e graph.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", e.Name, e.Type)
	if d := e.Description(); d != "" {
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(d, graph.DescriptionSeparator, "; "))
	}
	return b.String()
}

func relationText(r graph.Relation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -- %s", r.Source, r.Target)
	if d := r.Description(); d != "" {
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(d, graph.DescriptionSeparator, "; "))
	}
	if len(r.Keywords) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(r.Keywords, ", "))
	}
	return b.String()
}
