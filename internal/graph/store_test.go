package graph

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Alice":           "alice",
		"  ACME   Corp\t": "acme corp",
		"new\nyork":       "new york",
		"":                "",
		"   ":             "",
		"Ünïcode  Entity": "ünïcode entity",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), "NormalizeName(%q)", in)
	}
}

func TestRelationKey_Unordered(t *testing.T) {
	assert.Equal(t, RelationKey("a", "b"), RelationKey("b", "a"))
	assert.NotEqual(t, RelationKey("a", "b"), RelationKey("a", "c"))
}

func TestUpsertEntity_MergesDuplicates(t *testing.T) {
	s := NewStore()
	s.UpsertEntity(EntityUpdate{Name: "alice", Type: "person", Description: "Works at Acme", SourceID: "c2"})
	e, ok := s.UpsertEntity(EntityUpdate{Name: "  Alice ", Type: "PERSON", Description: "Likes hiking", SourceID: "c1"})
	require.True(t, ok)

	n, _ := s.Len()
	assert.Equal(t, 1, n)
	assert.Equal(t, "alice", e.Key)
	assert.Equal(t, "Alice", e.Name)
	assert.Equal(t, "PERSON", e.Type)
	assert.Equal(t, "Likes hiking"+DescriptionSeparator+"Works at Acme", e.Description())
	assert.Equal(t, []string{"c1", "c2"}, e.SourceChunkIDs)

	e, _ = s.UpsertEntity(EntityUpdate{Name: "ALICE", Description: "Works at Acme", SourceID: "c1"})
	assert.Len(t, e.Descriptions, 2, "duplicate description is not repeated")
	assert.Equal(t, []string{"c1", "c2"}, e.SourceChunkIDs)
}

func TestUpsertEntity_TypeIsMostFrequent(t *testing.T) {
	s := NewStore()
	s.UpsertEntity(EntityUpdate{Name: "Mercury", Type: "planet"})
	s.UpsertEntity(EntityUpdate{Name: "Mercury", Type: "element"})
	e, _ := s.Entity("mercury")
	assert.Equal(t, "ELEMENT", e.Type, "ties break lexicographically")

	s.UpsertEntity(EntityUpdate{Name: "Mercury", Type: "planet"})
	e, _ = s.Entity("mercury")
	assert.Equal(t, "PLANET", e.Type)

	e, _ = s.UpsertEntity(EntityUpdate{Name: "Nameless"})
	assert.Equal(t, UnknownType, e.Type)
}

func TestUpsertEntity_IgnoresEmptyName(t *testing.T) {
	s := NewStore()
	_, ok := s.UpsertEntity(EntityUpdate{Name: "   "})
	assert.False(t, ok)
	n, _ := s.Len()
	assert.Zero(t, n)
}

func TestUpsertRelation_CreatesEndpointsAndAddsWeight(t *testing.T) {
	s := NewStore()
	r, ok := s.UpsertRelation(RelationUpdate{Source: "Alice", Target: "Acme", Description: "works at", SourceID: "c1"})
	require.True(t, ok)
	assert.Equal(t, "acme", r.Source)
	assert.Equal(t, "alice", r.Target)
	assert.Equal(t, 1.0, r.Weight)

	r, _ = s.UpsertRelation(RelationUpdate{Source: "acme", Target: "ALICE", Weight: 2.5, Keywords: []string{"Employment"}, SourceID: "c2"})
	assert.Equal(t, 3.5, r.Weight)
	assert.Equal(t, []string{"employment"}, r.Keywords)
	assert.Equal(t, []string{"c1", "c2"}, r.SourceChunkIDs)

	ents, rels := s.Len()
	assert.Equal(t, 2, ents)
	assert.Equal(t, 1, rels)

	acme, ok := s.Entity("Acme")
	require.True(t, ok)
	assert.Equal(t, UnknownType, acme.Type)
	assert.Equal(t, []string{"c1", "c2"}, acme.SourceChunkIDs)

	_, ok = s.Relation("alice", "acme")
	assert.True(t, ok)

	_, ok = s.UpsertRelation(RelationUpdate{Source: "Alice", Target: " alice "})
	assert.False(t, ok, "self relations are dropped")
}

func TestDescriptions_DropOldestOverBound(t *testing.T) {
	s := NewStore(WithMaxDescriptionBytes(20))
	s.UpsertEntity(EntityUpdate{Name: "x", Description: "zzzz first"})
	s.UpsertEntity(EntityUpdate{Name: "x", Description: "aaaa second"})
	e, _ := s.UpsertEntity(EntityUpdate{Name: "x", Description: "mmmm third"})

	// Each pair renders past 20 bytes, so the older fragment goes each time.
	assert.Equal(t, "mmmm third", e.Description())

	e, _ = s.UpsertEntity(EntityUpdate{Name: "y", Description: strings.Repeat("é", 30)})
	assert.LessOrEqual(t, len(e.Description()), 20)
	assert.True(t, strings.HasPrefix(strings.Repeat("é", 30), e.Description()))
}

func TestStage_AbortLeavesGraphUnchanged(t *testing.T) {
	s := NewStore()
	s.UpsertEntity(EntityUpdate{Name: "Alice", Description: "original"})

	st := s.Stage(
		[]EntityUpdate{{Name: "Alice", Description: "staged"}, {Name: "Bob"}},
		[]RelationUpdate{{Source: "Alice", Target: "Bob"}},
	)
	require.Len(t, st.Entities, 2)
	require.Len(t, st.Relations, 1)
	assert.NotNil(t, st.PrevEntities["alice"])
	assert.Nil(t, st.PrevEntities["bob"])
	ents, rels := st.Created()
	assert.Equal(t, []string{"bob"}, ents)
	assert.Equal(t, []string{RelationKey("alice", "bob")}, rels)

	st.Abort()
	e, _ := s.Entity("alice")
	assert.Equal(t, "original", e.Description())
	assert.False(t, s.Has("bob"))

	// Locks were released.
	s.UpsertEntity(EntityUpdate{Name: "Bob"})
	assert.True(t, s.Has("bob"))
}

func TestStore_ConcurrentMergesOnOneKey(t *testing.T) {
	s := NewStore(WithMaxDescriptionBytes(0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.UpsertEntity(EntityUpdate{Name: "Shared", Description: fmt.Sprintf("d%02d", i), SourceID: fmt.Sprintf("c%02d", i)})
			s.UpsertRelation(RelationUpdate{Source: "shared", Target: fmt.Sprintf("n%d", i%5)})
		}(i)
	}
	wg.Wait()

	e, _ := s.Entity("shared")
	assert.Len(t, e.Descriptions, 50, "no lost updates")
	assert.Len(t, e.SourceChunkIDs, 50)
	for i := 0; i < 5; i++ {
		r, ok := s.Relation("shared", fmt.Sprintf("n%d", i))
		require.True(t, ok)
		assert.Equal(t, 10.0, r.Weight)
	}
}

func TestLoad_ResumesSequence(t *testing.T) {
	s := NewStore()
	s.Load([]Entity{{Key: "a", Name: "A", Type: "X", Descriptions: []Description{{Text: "old", Seq: 41}}}}, nil)
	e, _ := s.UpsertEntity(EntityUpdate{Name: "a", Description: "new"})
	require.Len(t, e.Descriptions, 2)
	assert.Equal(t, "new", e.Descriptions[0].Text)
	assert.Greater(t, e.Descriptions[0].Seq, uint64(41))

	s.Reset()
	n, _ := s.Len()
	assert.Zero(t, n)
}

type mention struct {
	entity   *EntityUpdate
	relation *RelationUpdate
}

func applyAll(s *Store, ms []mention) {
	for _, m := range ms {
		if m.entity != nil {
			s.UpsertEntity(*m.entity)
		} else {
			s.UpsertRelation(*m.relation)
		}
	}
}

type entityView struct {
	Name, Type, Description string
	Sources                 []string
}

type relationView struct {
	Description string
	Weight      float64
	Sources     []string
}

func view(s *Store) (map[string]entityView, map[string]relationView) {
	ents := make(map[string]entityView)
	for _, e := range s.Entities() {
		ents[e.Key] = entityView{e.Name, e.Type, e.Description(), e.SourceChunkIDs}
	}
	rels := make(map[string]relationView)
	for _, r := range s.Relations() {
		rels[r.Key] = relationView{r.Description(), r.Weight, r.SourceChunkIDs}
	}
	return ents, rels
}

func TestMerge_OrderIndependentWithinBound(t *testing.T) {
	names := []string{"Alice", "alice", "ALICE ", "Acme", "acme", "Springfield"}
	types := []string{"", "person", "org", "place"}
	descs := []string{"", "one", "two", "three"}
	sources := []string{"c1", "c2", "c3"}

	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.Custom(func(t *rapid.T) mention {
			if rapid.Bool().Draw(t, "isEntity") {
				return mention{entity: &EntityUpdate{
					Name:        rapid.SampledFrom(names).Draw(t, "name"),
					Type:        rapid.SampledFrom(types).Draw(t, "type"),
					Description: rapid.SampledFrom(descs).Draw(t, "desc"),
					SourceID:    rapid.SampledFrom(sources).Draw(t, "src"),
				}}
			}
			return mention{relation: &RelationUpdate{
				Source:      rapid.SampledFrom(names).Draw(t, "source"),
				Target:      rapid.SampledFrom(names).Draw(t, "target"),
				Description: rapid.SampledFrom(descs).Draw(t, "desc"),
				Weight:      float64(rapid.IntRange(0, 3).Draw(t, "weight")),
				SourceID:    rapid.SampledFrom(sources).Draw(t, "src"),
			}}
		})
		ms := rapid.SliceOfN(gen, 1, 30).Draw(t, "mentions")
		perm := rapid.Permutation(ms).Draw(t, "perm")

		a, b := NewStore(WithMaxDescriptionBytes(0)), NewStore(WithMaxDescriptionBytes(0))
		applyAll(a, ms)
		applyAll(b, perm)

		ea, ra := view(a)
		eb, rb := view(b)
		if !assert.ObjectsAreEqual(ea, eb) {
			t.Fatalf("entities differ:\n%v\n%v", ea, eb)
		}
		if !assert.ObjectsAreEqual(ra, rb) {
			t.Fatalf("relations differ:\n%v\n%v", ra, rb)
		}
	})
}
