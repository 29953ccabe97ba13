package vector

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/efebarandurmaz/kiln/internal/llm"
)

// Embedder turns texts into vectors, one per input and in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderEmbedder adapts an LLM provider's embedding endpoint. It checks the
// result count and that every vector has the same length as the first one
// it ever returned.
type ProviderEmbedder struct {
	provider llm.Provider
	dim      atomic.Int64
}

// NewProviderEmbedder wraps provider. A non-zero dim is enforced from the
// start; otherwise the first response fixes it.
func NewProviderEmbedder(provider llm.Provider, dim int) *ProviderEmbedder {
	e := &ProviderEmbedder{provider: provider}
	e.dim.Store(int64(dim))
	return e
}

// Dimension is zero until the first successful call when none was configured.
func (e *ProviderEmbedder) Dimension() int { return int(e.dim.Load()) }

func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.provider.Name(), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	dim := int(e.dim.Load())
	if dim == 0 && len(vectors[0]) > 0 {
		e.dim.CompareAndSwap(0, int64(len(vectors[0])))
		dim = int(e.dim.Load())
	}
	for i, v := range vectors {
		if err := CheckDimension(fmt.Sprintf("input %d", i), v, dim); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

var _ Embedder = (*ProviderEmbedder)(nil)
