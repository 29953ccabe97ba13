package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/efebarandurmaz/kiln/internal/storage"
)

// CachedProvider memoizes completions in a storage namespace, keyed by a hash
// of the provider, prompt and options. Embeddings pass through.
type CachedProvider struct {
	inner Provider
	kv    storage.KV

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedProvider wraps inner. A nil kv disables caching.
func NewCachedProvider(inner Provider, kv storage.KV) *CachedProvider {
	return &CachedProvider{inner: inner, kv: kv}
}

func (c *CachedProvider) Name() string { return c.inner.Name() }

func (c *CachedProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if c.kv == nil {
		return c.inner.Complete(ctx, prompt, opts)
	}
	key, err := c.cacheKey(prompt, opts)
	if err != nil {
		return nil, err
	}

	cached, err := storage.GetJSON[Response](ctx, c.kv, key)
	if err == nil {
		c.hits.Add(1)
		return &cached, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading llm cache: %w", err)
	}

	c.misses.Add(1)
	resp, err := c.inner.Complete(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	// A failed cache write only costs a repeat call later.
	_ = storage.PutJSON(ctx, c.kv, map[string]*Response{key: resp})
	return resp, nil
}

func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.Embed(ctx, texts)
}

// Stats returns the hit and miss counts since construction.
func (c *CachedProvider) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedProvider) cacheKey(prompt *Prompt, opts *RequestOptions) (string, error) {
	payload, err := json.Marshal(struct {
		Provider string          `json:"provider"`
		Prompt   *Prompt         `json:"prompt"`
		Opts     *RequestOptions `json:"opts,omitempty"`
	}{c.inner.Name(), prompt, opts})
	if err != nil {
		return "", fmt.Errorf("hashing prompt: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
