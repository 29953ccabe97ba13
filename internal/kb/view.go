package kb

import (
	"context"

	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/vector"
)

// View is a consistent read of the committed state. It is only valid inside
// the Read callback.
type View struct {
	kb *KnowledgeBase
}

// Read runs fn against the committed state. Commits wait until fn returns,
// so fn must not block on slow external calls.
func (kb *KnowledgeBase) Read(fn func(v *View) error) error {
	kb.viewMu.RLock()
	defer kb.viewMu.RUnlock()
	return fn(&View{kb: kb})
}

// Empty reports whether nothing has been committed.
func (v *View) Empty() bool {
	ents, _ := v.kb.graph.Len()
	return len(v.kb.committed) == 0 && ents == 0
}

func (v *View) Dimension() int { return v.kb.dim }

func (v *View) ChunkCount() int { return len(v.kb.committed) }

// Chunk returns a committed chunk.
func (v *View) Chunk(id string) (ChunkRecord, bool) {
	c, ok := v.kb.committed[id]
	return c, ok
}

func (v *View) Graph() *graph.Store { return v.kb.graph }

// Search returns up to k committed chunks nearest to q. Index entries of
// commits still in flight are skipped.
func (v *View) Search(ctx context.Context, q []float32, k int) ([]vector.Hit, error) {
	if k <= 0 || len(v.kb.committed) == 0 {
		return nil, nil
	}
	fetch := k + int(max(v.kb.pending.Load(), 0))
	hits, err := v.kb.index.Search(ctx, q, fetch)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if _, ok := v.kb.committed[h.ID]; ok {
			out = append(out, h)
			if len(out) == k {
				break
			}
		}
	}
	return out, nil
}
