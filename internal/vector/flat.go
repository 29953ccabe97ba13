package vector

import (
	"container/heap"
	"context"
	"sort"
	"sync"
)

// Flat is an exact in-memory cosine index. Vectors are stored normalized so a
// search is one dot product per entry; a bounded heap keeps the top k.
type Flat struct {
	mu         sync.RWMutex
	configured int
	dim        int

	ids     []string
	vectors [][]float32
	pos     map[string]int
}

// NewFlat creates an index. dim of zero adopts the first upserted length.
func NewFlat(dim int) *Flat {
	return &Flat{configured: dim, dim: dim, pos: make(map[string]int)}
}

func (f *Flat) Dimension() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

// Upsert validates the whole batch before writing any of it.
func (f *Flat) Upsert(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dim := f.dim
	for _, r := range records {
		if err := CheckDimension(r.ID, r.Vector, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(r.Vector)
		}
	}
	f.dim = dim

	for _, r := range records {
		v := normalize(r.Vector)
		if i, ok := f.pos[r.ID]; ok {
			f.vectors[i] = v
			continue
		}
		f.pos[r.ID] = len(f.ids)
		f.ids = append(f.ids, r.ID)
		f.vectors = append(f.vectors, v)
	}
	return nil
}

// Delete removes ids by swapping with the last entry.
func (f *Flat) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		i, ok := f.pos[id]
		if !ok {
			continue
		}
		last := len(f.ids) - 1
		if i != last {
			f.ids[i] = f.ids[last]
			f.vectors[i] = f.vectors[last]
			f.pos[f.ids[i]] = i
		}
		f.ids = f.ids[:last]
		f.vectors = f.vectors[:last]
		delete(f.pos, id)
	}
	return nil
}

func (f *Flat) Search(_ context.Context, query []float32, k int) ([]Hit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if k <= 0 || len(f.ids) == 0 {
		return nil, nil
	}
	if err := CheckDimension("query", query, f.dim); err != nil {
		return nil, err
	}
	q := normalize(query)

	h := make(hitHeap, 0, k)
	for i, v := range f.vectors {
		var dot float32
		for j := range v {
			dot += v[j] * q[j]
		}
		hit := Hit{ID: f.ids[i], Score: dot}
		if len(h) < k {
			heap.Push(&h, hit)
		} else if better(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}

	out := []Hit(h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out, nil
}

func (f *Flat) Count(context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids), nil
}

// Has reports whether id is indexed.
func (f *Flat) Has(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.pos[id]
	return ok
}

// Reset empties the index. A dimension given at construction is kept.
func (f *Flat) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = nil
	f.vectors = nil
	f.pos = make(map[string]int)
	f.dim = f.configured
	return nil
}

func (f *Flat) Close() error { return nil }

// SetDimension pins the dimension of an empty index.
func (f *Flat) SetDimension(dim int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		f.dim = dim
	}
}

func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// hitHeap is a min-heap on match quality: the root is the worst kept hit.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ Index = (*Flat)(nil)
