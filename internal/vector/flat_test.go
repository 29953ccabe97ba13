package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlat_SearchOrdersByScoreThenID(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0)
	require.NoError(t, idx.Upsert(ctx, []Record{
		{ID: "b", Vector: []float32{1, 0}},
		{ID: "a", Vector: []float32{2, 0}},
		{ID: "c", Vector: []float32{0, 1}},
		{ID: "d", Vector: []float32{1, 1}},
	}))
	assert.Equal(t, 2, idx.Dimension())

	hits, err := idx.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "d", hits[2].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, hits[2].Score, 1e-3)
}

func TestFlat_SearchEdgeCases(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(3)

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Upsert(ctx, []Record{{ID: "x", Vector: []float32{0, 0, 1}}}))
	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFlat_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(2)
	err := idx.Upsert(ctx, []Record{
		{ID: "ok", Vector: []float32{1, 0}},
		{ID: "bad", Vector: []float32{1, 0, 0}},
	})
	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, "bad", dm.ID)
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 3, dm.Got)

	n, _ := idx.Count(ctx)
	assert.Zero(t, n, "a rejected batch writes nothing")

	_, err = idx.Search(ctx, []float32{1}, 1)
	assert.NoError(t, err, "empty index has nothing to compare")
}

func TestFlat_UpsertReplacesAndDeleteRemoves(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0)
	require.NoError(t, idx.Upsert(ctx, []Record{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 1}},
	}))
	require.NoError(t, idx.Upsert(ctx, []Record{{ID: "a", Vector: []float32{0, 1}}}))

	n, _ := idx.Count(ctx)
	assert.Equal(t, 3, n)

	require.NoError(t, idx.Delete(ctx, []string{"a", "missing"}))
	assert.False(t, idx.Has("a"))
	assert.True(t, idx.Has("b"))
	assert.True(t, idx.Has("c"))

	hits, err := idx.Search(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)
}

func TestFlat_Reset(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0)
	require.NoError(t, idx.Upsert(ctx, []Record{{ID: "a", Vector: []float32{1, 0}}}))
	require.NoError(t, idx.Reset(ctx))

	n, _ := idx.Count(ctx)
	assert.Zero(t, n)
	hits, err := idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Zero(t, idx.Dimension(), "adopted dimension is forgotten")
	assert.NoError(t, idx.Upsert(ctx, []Record{{ID: "b", Vector: []float32{1, 0, 0}}}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
}
