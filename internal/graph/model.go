// Package graph is the knowledge graph store: entities and the relations
// between them, merged and deduplicated by canonical name.
package graph

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DescriptionSeparator joins the description fragments of one node or edge.
	DescriptionSeparator = "<SEP>"

	// UnknownType is given to entities that have only been seen as a
	// relation endpoint or were extracted without a type.
	UnknownType = "UNKNOWN"

	// DefaultMaxDescriptionBytes bounds a rendered description.
	DefaultMaxDescriptionBytes = 4096

	keySeparator = "\x1f"
)

// NormalizeName is the canonical dedup key for an entity name: trimmed,
// case-folded, internal whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// RelationKey is the key of the unordered pair (a, b) of entity keys.
func RelationKey(a, b string) string {
	a, b = orderPair(a, b)
	return a + keySeparator + b
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Description is one deduplicated description fragment. Seq records the
// merge that first contributed it; the lowest Seq is the oldest.
type Description struct {
	Text string `json:"text"`
	Seq  uint64 `json:"seq"`
}

// Entity is a deduplicated graph node.
type Entity struct {
	Key            string         `json:"key"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	TypeCounts     map[string]int `json:"type_counts,omitempty"`
	Descriptions   []Description  `json:"descriptions,omitempty"`
	SourceChunkIDs []string       `json:"source_chunk_ids,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
}

// Description renders the fragments in canonical order.
func (e Entity) Description() string { return renderDescriptions(e.Descriptions) }

// Relation is an undirected edge between two entity keys, Source < Target.
type Relation struct {
	Key            string        `json:"key"`
	Source         string        `json:"source"`
	Target         string        `json:"target"`
	Descriptions   []Description `json:"descriptions,omitempty"`
	Keywords       []string      `json:"keywords,omitempty"`
	Weight         float64       `json:"weight"`
	SourceChunkIDs []string      `json:"source_chunk_ids,omitempty"`
}

func (r Relation) Description() string { return renderDescriptions(r.Descriptions) }

// Other returns the endpoint opposite key.
func (r Relation) Other(key string) string {
	if r.Source == key {
		return r.Target
	}
	return r.Source
}

// EntityUpdate is one extracted mention of an entity.
type EntityUpdate struct {
	Name        string
	Type        string
	Description string
	SourceID    string
	// Embedding is kept only when the entity has none yet.
	Embedding []float32
}

// RelationUpdate is one extracted mention of a relation.
type RelationUpdate struct {
	Source      string
	Target      string
	Description string
	Keywords    []string
	// Weight of zero or less counts as 1.
	Weight   float64
	SourceID string
}

func renderDescriptions(ds []Description) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Text
	}
	return strings.Join(parts, DescriptionSeparator)
}

func mergeEntity(prev *Entity, u EntityUpdate, seq uint64, maxBytes int) Entity {
	key := NormalizeName(u.Name)
	var e Entity
	if prev != nil {
		e = cloneEntity(*prev)
	} else {
		e = Entity{Key: key, Name: displayName(u.Name)}
	}
	if name := displayName(u.Name); name != "" && name < e.Name {
		e.Name = name
	}
	if t := strings.TrimSpace(u.Type); t != "" {
		t = strings.ToUpper(t)
		if e.TypeCounts == nil {
			e.TypeCounts = make(map[string]int)
		}
		e.TypeCounts[t]++
	}
	e.Type = dominantType(e.TypeCounts)
	e.Descriptions = addDescription(e.Descriptions, u.Description, seq, maxBytes)
	e.SourceChunkIDs = addSorted(e.SourceChunkIDs, u.SourceID)
	if len(e.Embedding) == 0 && len(u.Embedding) > 0 {
		e.Embedding = append([]float32(nil), u.Embedding...)
	}
	return e
}

func mergeRelation(prev *Relation, u RelationUpdate, seq uint64, maxBytes int) Relation {
	src, tgt := orderPair(NormalizeName(u.Source), NormalizeName(u.Target))
	var r Relation
	if prev != nil {
		r = cloneRelation(*prev)
	} else {
		r = Relation{Key: RelationKey(src, tgt), Source: src, Target: tgt}
	}
	w := u.Weight
	if w <= 0 {
		w = 1
	}
	r.Weight += w
	r.Descriptions = addDescription(r.Descriptions, u.Description, seq, maxBytes)
	for _, kw := range u.Keywords {
		r.Keywords = addSorted(r.Keywords, strings.ToLower(strings.TrimSpace(kw)))
	}
	r.SourceChunkIDs = addSorted(r.SourceChunkIDs, u.SourceID)
	return r
}

// displayName collapses whitespace but keeps the original case.
func displayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func dominantType(counts map[string]int) string {
	best, n := UnknownType, 0
	for t, c := range counts {
		if c > n || (c == n && t < best) {
			best, n = t, c
		}
	}
	return best
}

// addDescription inserts text keeping the slice sorted by text, then drops
// the oldest fragments while the rendered size exceeds maxBytes.
func addDescription(ds []Description, text string, seq uint64, maxBytes int) []Description {
	text = strings.TrimSpace(text)
	if text == "" {
		return ds
	}
	i := sort.Search(len(ds), func(i int) bool { return ds[i].Text >= text })
	if i < len(ds) && ds[i].Text == text {
		return ds
	}
	ds = append(ds, Description{})
	copy(ds[i+1:], ds[i:])
	ds[i] = Description{Text: text, Seq: seq}
	return boundDescriptions(ds, maxBytes)
}

func boundDescriptions(ds []Description, maxBytes int) []Description {
	if maxBytes <= 0 {
		return ds
	}
	for len(ds) > 1 && renderedSize(ds) > maxBytes {
		oldest := 0
		for i, d := range ds {
			if d.Seq < ds[oldest].Seq || (d.Seq == ds[oldest].Seq && d.Text < ds[oldest].Text) {
				oldest = i
			}
		}
		ds = append(ds[:oldest], ds[oldest+1:]...)
	}
	if len(ds) == 1 && len(ds[0].Text) > maxBytes {
		ds[0].Text = truncateUTF8(ds[0].Text, maxBytes)
	}
	return ds
}

func renderedSize(ds []Description) int {
	n := 0
	for i, d := range ds {
		if i > 0 {
			n += len(DescriptionSeparator)
		}
		n += len(d.Text)
	}
	return n
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func addSorted(xs []string, x string) []string {
	if x == "" {
		return xs
	}
	i := sort.SearchStrings(xs, x)
	if i < len(xs) && xs[i] == x {
		return xs
	}
	xs = append(xs, "")
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

func cloneEntity(e Entity) Entity {
	out := e
	if e.TypeCounts != nil {
		out.TypeCounts = make(map[string]int, len(e.TypeCounts))
		for k, v := range e.TypeCounts {
			out.TypeCounts[k] = v
		}
	}
	out.Descriptions = append([]Description(nil), e.Descriptions...)
	out.SourceChunkIDs = append([]string(nil), e.SourceChunkIDs...)
	return out
}

func cloneRelation(r Relation) Relation {
	out := r
	out.Descriptions = append([]Description(nil), r.Descriptions...)
	out.Keywords = append([]string(nil), r.Keywords...)
	out.SourceChunkIDs = append([]string(nil), r.SourceChunkIDs...)
	return out
}

// words splits normalized text into letter/digit runs.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
