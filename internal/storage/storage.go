// Package storage defines the namespaced key-value capability the knowledge
// base persists through. Backends store opaque JSON values; typed access goes
// through GetJSON and PutJSON.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Namespace names one logical collection inside a backend.
type Namespace string

const (
	NamespaceDocuments Namespace = "full_docs"
	NamespaceChunks    Namespace = "text_chunks"
	NamespaceEntities  Namespace = "entities"
	NamespaceRelations Namespace = "relations"
	NamespaceMeta      Namespace = "meta"
	NamespaceLLMCache  Namespace = "llm_response_cache"
)

// AllNamespaces lists every namespace the engine writes.
var AllNamespaces = []Namespace{
	NamespaceDocuments,
	NamespaceChunks,
	NamespaceEntities,
	NamespaceRelations,
	NamespaceMeta,
	NamespaceLLMCache,
}

// KV is a single namespace. Values must be valid JSON.
type KV interface {
	Namespace() Namespace
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns the present subset of keys.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	// Missing returns the keys that are not stored, in input order.
	Missing(ctx context.Context, keys []string) ([]string, error)
	Upsert(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys []string) error
	// Keys returns all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	All(ctx context.Context) (map[string][]byte, error)
	Drop(ctx context.Context) error
	// Flush makes prior writes durable. Backends that write through are no-ops.
	Flush(ctx context.Context) error
}

// Backend opens namespaces on one persistence layer.
type Backend interface {
	Name() string
	Open(ctx context.Context, ns Namespace) (KV, error)
	// Drop removes every namespace the engine writes.
	Drop(ctx context.Context) error
	Close() error
}

// GetJSON decodes the value stored under key into T.
func GetJSON[T any](ctx context.Context, kv KV, key string) (T, error) {
	var out T
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding %s/%s: %w", kv.Namespace(), key, err)
	}
	return out, nil
}

// PutJSON encodes each value and upserts the batch.
func PutJSON[T any](ctx context.Context, kv KV, values map[string]T) error {
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", kv.Namespace(), k, err)
		}
		encoded[k] = b
	}
	return kv.Upsert(ctx, encoded)
}

// LoadAll decodes every value in the namespace.
func LoadAll[T any](ctx context.Context, kv KV) (map[string]T, error) {
	raw, err := kv.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for k, b := range raw {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", kv.Namespace(), k, err)
		}
		out[k] = v
	}
	return out, nil
}
