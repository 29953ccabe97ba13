package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	vectors [][]float32
	err     error
}

func (s *stubProvider) Complete(context.Context, *llm.Prompt, *llm.RequestOptions) (*llm.Response, error) {
	return nil, errors.New("not supported")
}

func (s *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

func (s *stubProvider) Name() string { return "stub" }

func TestProviderEmbedder_AdoptsFirstDimension(t *testing.T) {
	p := &stubProvider{vectors: [][]float32{{1, 0, 0}, {0, 1, 0}}}
	e := NewProviderEmbedder(p, 0)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, e.Dimension())

	p.vectors = [][]float32{{1, 0}}
	_, err = e.Embed(context.Background(), []string{"c"})
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Got)
}

func TestProviderEmbedder_CountMismatch(t *testing.T) {
	e := NewProviderEmbedder(&stubProvider{vectors: [][]float32{{1}}}, 0)
	_, err := e.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "count mismatch")
}

func TestProviderEmbedder_WrapsProviderError(t *testing.T) {
	boom := errors.New("boom")
	e := NewProviderEmbedder(&stubProvider{err: boom}, 4)
	_, err := e.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "stub")
}

func TestProviderEmbedder_EmptyInput(t *testing.T) {
	e := NewProviderEmbedder(&stubProvider{err: errors.New("unused")}, 0)
	vecs, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
