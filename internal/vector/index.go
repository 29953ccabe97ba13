// Package vector holds chunk embeddings for nearest-neighbor search.
package vector

import (
	"context"
	"fmt"
	"math"
)

// Record is one embedding to index.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a single search match. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID    string
	Score float32
}

// Index is a nearest-neighbor store. Search results are ordered by
// descending score, ties by ascending ID, and never exceed k.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	// Dimension is zero until the first vector fixes it.
	Dimension() int
	Reset(ctx context.Context) error
	Close() error
}

// DimensionMismatchError reports a vector whose length differs from the
// index dimension.
type DimensionMismatchError struct {
	ID       string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
	}
	return fmt.Sprintf("dimension mismatch for %s: expected %d, got %d", e.ID, e.Expected, e.Got)
}

// CheckDimension returns a DimensionMismatchError when len(v) != dim. A zero
// dim accepts any non-empty vector.
func CheckDimension(id string, v []float32, dim int) error {
	if len(v) == 0 || (dim > 0 && len(v) != dim) {
		return &DimensionMismatchError{ID: id, Expected: dim, Got: len(v)}
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func normalize(v []float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if n == 0 {
		return out
	}
	inv := 1 / math.Sqrt(n)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
