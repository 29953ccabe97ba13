package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/kiln/internal/storage"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Backend) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := New(context.Background(), Config{Addr: mr.Addr(), Prefix: "test"})
	require.NoError(t, err)
	return mr, b
}

func TestStore_RoundTrip(t *testing.T) {
	mr, b := setupTestRedis(t)
	defer mr.Close()
	defer b.Close()
	ctx := context.Background()

	kv, err := b.Open(ctx, storage.NamespaceRelations)
	require.NoError(t, err)

	require.NoError(t, kv.Upsert(ctx, map[string][]byte{
		"acme|alice": []byte(`{"weight":1}`),
		"acme|town":  []byte(`{"weight":2}`),
	}))
	assert.True(t, mr.Exists("test:relations"))

	v, err := kv.Get(ctx, "acme|alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"weight":1}`, string(v))

	_, err = kv.Get(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	missing, err := kv.Missing(ctx, []string{"acme|town", "nope"})
	require.NoError(t, err)
	assert.Equal(t, []string{"nope"}, missing)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme|alice", "acme|town"}, keys)

	require.NoError(t, kv.Delete(ctx, []string{"acme|town"}))
	all, err := kv.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, b.Drop(ctx))
	assert.False(t, mr.Exists("test:relations"))
}

func TestNew_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = New(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}
