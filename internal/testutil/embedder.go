package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// ErrInjected is the default error returned by failing fakes.
var ErrInjected = errors.New("injected failure")

// HashEmbedder embeds text as a normalized bag of hashed lowercase words, so
// texts sharing words are similar and identical texts are identical.
type HashEmbedder struct {
	Dim int

	mu      sync.Mutex
	failFn  func(text string) bool
	failErr error
	calls   atomic.Int64
	texts   atomic.Int64
}

// NewHashEmbedder returns an embedder of dimension dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

// FailWhen makes Embed fail for any batch containing a text for which fn
// returns true.
func (h *HashEmbedder) FailWhen(fn func(text string) bool) *HashEmbedder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failFn = fn
	if h.failErr == nil {
		h.failErr = ErrInjected
	}
	return h
}

// WithError sets the error returned by injected failures.
func (h *HashEmbedder) WithError(err error) *HashEmbedder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
	return h
}

// Calls is the number of Embed invocations.
func (h *HashEmbedder) Calls() int64 { return h.calls.Load() }

// Texts is the total number of texts embedded.
func (h *HashEmbedder) Texts() int64 { return h.texts.Load() }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	h.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	failFn, failErr := h.failFn, h.failErr
	h.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if failFn != nil && failFn(t) {
			return nil, failErr
		}
		out[i] = HashVector(t, h.Dim)
	}
	h.texts.Add(int64(len(texts)))
	return out, nil
}

// HashVector is the embedding HashEmbedder returns for text.
func HashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		v[f.Sum32()%uint32(dim)]++
	}
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(n))
	for i := range v {
		v[i] *= inv
	}
	return v
}
