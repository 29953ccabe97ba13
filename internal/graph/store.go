package graph

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

const lockStripes = 64

// Store holds the graph in memory. Merges on the same canonical key are
// serialized by striped locks; readers see whole committed merges.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	relations map[string]*Relation
	adjacency map[string]map[string]struct{}

	stripes  [lockStripes]sync.Mutex
	seq      atomic.Uint64
	maxBytes int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxDescriptionBytes bounds a rendered description. Zero or less
// disables the bound.
func WithMaxDescriptionBytes(n int) Option {
	return func(s *Store) { s.maxBytes = n }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{maxBytes: DefaultMaxDescriptionBytes}
	for _, opt := range opts {
		opt(s)
	}
	s.clear()
	return s
}

func (s *Store) clear() {
	s.entities = make(map[string]*Entity)
	s.relations = make(map[string]*Relation)
	s.adjacency = make(map[string]map[string]struct{})
}

// Staged is a set of merges computed against the current graph. The keys it
// touches stay locked until Commit or Abort.
type Staged struct {
	store   *Store
	stripes []int
	done    bool

	// Entities and Relations hold the merged values, sorted by key.
	Entities  []Entity
	Relations []Relation
	// Previous values, nil for keys the merge creates.
	PrevEntities  map[string]*Entity
	PrevRelations map[string]*Relation
}

// Created lists the keys of entities and relations new to the graph.
func (st *Staged) Created() (entities, relations []string) {
	for _, e := range st.Entities {
		if st.PrevEntities[e.Key] == nil {
			entities = append(entities, e.Key)
		}
	}
	for _, r := range st.Relations {
		if st.PrevRelations[r.Key] == nil {
			relations = append(relations, r.Key)
		}
	}
	return entities, relations
}

// Stage merges the updates into copies of the affected entities and
// relations. Updates with an empty name, and self relations, are ignored.
// Relation endpoints that do not exist become UNKNOWN entities.
func (s *Store) Stage(entities []EntityUpdate, relations []RelationUpdate) *Staged {
	keys := make(map[string]struct{})
	for _, u := range entities {
		if k := NormalizeName(u.Name); k != "" {
			keys[k] = struct{}{}
		}
	}
	var rels []RelationUpdate
	for _, u := range relations {
		a, b := NormalizeName(u.Source), NormalizeName(u.Target)
		if a == "" || b == "" || a == b {
			continue
		}
		keys[a] = struct{}{}
		keys[b] = struct{}{}
		rels = append(rels, u)
	}

	st := &Staged{
		store:         s,
		stripes:       stripesFor(keys),
		PrevEntities:  make(map[string]*Entity),
		PrevRelations: make(map[string]*Relation),
	}
	for _, i := range st.stripes {
		s.stripes[i].Lock()
	}

	merged := make(map[string]*Entity)
	current := func(key string) *Entity {
		if e, ok := merged[key]; ok {
			return e
		}
		s.mu.RLock()
		prev := s.entities[key]
		s.mu.RUnlock()
		st.PrevEntities[key] = prev
		return prev
	}
	for _, u := range entities {
		key := NormalizeName(u.Name)
		if key == "" {
			continue
		}
		e := mergeEntity(current(key), u, s.seq.Add(1), s.maxBytes)
		merged[key] = &e
	}

	mergedRel := make(map[string]*Relation)
	for _, u := range rels {
		// Endpoints also record the relation's source chunk.
		for _, name := range []string{u.Source, u.Target} {
			key := NormalizeName(name)
			e := mergeEntity(current(key), EntityUpdate{Name: name, SourceID: u.SourceID}, 0, s.maxBytes)
			merged[key] = &e
		}
		key := RelationKey(NormalizeName(u.Source), NormalizeName(u.Target))
		prev, ok := mergedRel[key]
		if !ok {
			s.mu.RLock()
			prev = s.relations[key]
			s.mu.RUnlock()
			st.PrevRelations[key] = prev
		}
		r := mergeRelation(prev, u, s.seq.Add(1), s.maxBytes)
		mergedRel[key] = &r
	}

	for _, e := range merged {
		st.Entities = append(st.Entities, *e)
	}
	sort.Slice(st.Entities, func(i, j int) bool { return st.Entities[i].Key < st.Entities[j].Key })
	for _, r := range mergedRel {
		st.Relations = append(st.Relations, *r)
	}
	sort.Slice(st.Relations, func(i, j int) bool { return st.Relations[i].Key < st.Relations[j].Key })
	return st
}

// Commit publishes the staged values and releases the key locks.
func (st *Staged) Commit() {
	if st.done {
		return
	}
	s := st.store
	s.mu.Lock()
	for i := range st.Entities {
		e := st.Entities[i]
		s.entities[e.Key] = &e
	}
	for i := range st.Relations {
		s.putRelation(st.Relations[i])
	}
	s.mu.Unlock()
	st.release()
}

// Abort releases the key locks without changing the graph.
func (st *Staged) Abort() {
	if !st.done {
		st.release()
	}
}

func (st *Staged) release() {
	st.done = true
	for i := len(st.stripes) - 1; i >= 0; i-- {
		st.store.stripes[st.stripes[i]].Unlock()
	}
}

// putRelation stores r and indexes both endpoints. Caller holds mu.
func (s *Store) putRelation(r Relation) {
	s.relations[r.Key] = &r
	for _, k := range []string{r.Source, r.Target} {
		adj, ok := s.adjacency[k]
		if !ok {
			adj = make(map[string]struct{})
			s.adjacency[k] = adj
		}
		adj[r.Key] = struct{}{}
	}
}

// UpsertEntity merges one entity mention and returns the result.
func (s *Store) UpsertEntity(u EntityUpdate) (Entity, bool) {
	st := s.Stage([]EntityUpdate{u}, nil)
	st.Commit()
	key := NormalizeName(u.Name)
	for _, e := range st.Entities {
		if e.Key == key {
			return e, true
		}
	}
	return Entity{}, false
}

// UpsertRelation merges one relation mention and returns the result.
func (s *Store) UpsertRelation(u RelationUpdate) (Relation, bool) {
	st := s.Stage(nil, []RelationUpdate{u})
	st.Commit()
	if len(st.Relations) == 0 {
		return Relation{}, false
	}
	return st.Relations[0], true
}

// Load replaces the graph with previously persisted values. The merge
// sequence resumes after the highest loaded fragment.
func (s *Store) Load(entities []Entity, relations []Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	var maxSeq uint64
	track := func(ds []Description) {
		for _, d := range ds {
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}
	}
	for i := range entities {
		e := entities[i]
		s.entities[e.Key] = &e
		track(e.Descriptions)
	}
	for _, r := range relations {
		s.putRelation(r)
		track(r.Descriptions)
	}
	if s.seq.Load() < maxSeq {
		s.seq.Store(maxSeq)
	}
}

// Reset removes every entity and relation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[key]
	return ok
}

// Entity looks up an entity by name or key.
func (s *Store) Entity(name string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[NormalizeName(name)]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Relation looks up the relation between two entity names in either order.
func (s *Store) Relation(a, b string) (Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relations[RelationKey(NormalizeName(a), NormalizeName(b))]
	if !ok {
		return Relation{}, false
	}
	return *r, true
}

// Entities returns all entities sorted by key.
func (s *Store) Entities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Relations returns all relations sorted by key.
func (s *Store) Relations() []Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Relation, 0, len(s.relations))
	for _, r := range s.relations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the entity and relation counts.
func (s *Store) Len() (entities, relations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), len(s.relations)
}

// relationsOf returns the relations touching key sorted by key. Caller
// holds mu.
func (s *Store) relationsOf(key string) []*Relation {
	adj := s.adjacency[key]
	out := make([]*Relation, 0, len(adj))
	for rk := range adj {
		out = append(out, s.relations[rk])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

func stripesFor(keys map[string]struct{}) []int {
	seen := make(map[int]struct{})
	for k := range keys {
		seen[stripeOf(k)] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
