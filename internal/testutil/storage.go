package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/efebarandurmaz/kiln/internal/storage"
)

// FailingBackend wraps a backend and fails writes on chosen namespaces.
type FailingBackend struct {
	storage.Backend

	mu      sync.Mutex
	failAt  map[storage.Namespace]int
	upserts map[storage.Namespace]int
}

// NewFailingBackend wraps inner with no failures armed.
func NewFailingBackend(inner storage.Backend) *FailingBackend {
	return &FailingBackend{
		Backend: inner,
		failAt:  make(map[storage.Namespace]int),
		upserts: make(map[storage.Namespace]int),
	}
}

// FailUpsert makes the n-th Upsert (1-based, counted from now) on ns fail.
func (b *FailingBackend) FailUpsert(ns storage.Namespace, n int) *FailingBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAt[ns] = b.upserts[ns] + n
	return b
}

// Disarm clears every armed failure.
func (b *FailingBackend) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAt = make(map[storage.Namespace]int)
}

func (b *FailingBackend) Open(ctx context.Context, ns storage.Namespace) (storage.KV, error) {
	kv, err := b.Backend.Open(ctx, ns)
	if err != nil {
		return nil, err
	}
	return &failingKV{KV: kv, backend: b}, nil
}

func (b *FailingBackend) shouldFail(ns storage.Namespace) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts[ns]++
	at, ok := b.failAt[ns]
	if ok && b.upserts[ns] == at {
		delete(b.failAt, ns)
		return true
	}
	return false
}

type failingKV struct {
	storage.KV
	backend *FailingBackend
}

func (k *failingKV) Upsert(ctx context.Context, values map[string][]byte) error {
	if k.backend.shouldFail(k.Namespace()) {
		return fmt.Errorf("upsert %s: %w", k.Namespace(), ErrInjected)
	}
	return k.KV.Upsert(ctx, values)
}
