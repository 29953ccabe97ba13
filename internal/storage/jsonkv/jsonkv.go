// Package jsonkv stores each namespace as kv_store_<namespace>.json inside a
// working directory. Writes are buffered in memory until Flush.
package jsonkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/efebarandurmaz/kiln/internal/storage"
)

// Backend is a directory of namespace files.
type Backend struct {
	dir string

	mu     sync.Mutex
	opened map[storage.Namespace]*Store
}

// New creates the working directory if needed.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working dir: %w", err)
	}
	return &Backend{dir: dir, opened: make(map[storage.Namespace]*Store)}, nil
}

func (b *Backend) Name() string { return "json" }

// Dir returns the working directory.
func (b *Backend) Dir() string { return b.dir }

// Open loads the namespace file. Opening the same namespace twice returns the
// same store.
func (b *Backend) Open(_ context.Context, ns storage.Namespace) (storage.KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.opened[ns]; ok {
		return s, nil
	}
	s := &Store{
		ns:   ns,
		path: filepath.Join(b.dir, fmt.Sprintf("kv_store_%s.json", ns)),
		data: make(map[string]json.RawMessage),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	b.opened[ns] = s
	return s, nil
}

// Drop clears every namespace and removes its file.
func (b *Backend) Drop(ctx context.Context) error {
	var errs []error
	for _, ns := range storage.AllNamespaces {
		kv, err := b.Open(ctx, ns)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := kv.Drop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes.
func (b *Backend) Close() error {
	b.mu.Lock()
	stores := make([]*Store, 0, len(b.opened))
	for _, s := range b.opened {
		stores = append(stores, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Store is one namespace file held in memory.
type Store struct {
	ns   storage.Namespace
	path string

	mu    sync.RWMutex
	data  map[string]json.RawMessage
	dirty bool
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) Namespace() storage.Namespace { return s.ns }

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *Store) Missing(_ context.Context, keys []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, k := range keys {
		if _, ok := s.data[k]; !ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) Upsert(_ context.Context, values map[string][]byte) error {
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("jsonkv: value for %s/%s is not valid JSON", s.ns, k)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.data[k] = append(json.RawMessage(nil), v...)
	}
	if len(values) > 0 {
		s.dirty = true
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			s.dirty = true
		}
	}
	return nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) All(_ context.Context) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]json.RawMessage)
	s.dirty = false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}

// Flush rewrites the namespace file through a temp file and rename.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.ns, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".kv_store_*.tmp")
	if err != nil {
		return fmt.Errorf("flushing %s: %w", s.ns, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("flushing %s: %w", s.ns, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flushing %s: %w", s.ns, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flushing %s: %w", s.ns, err)
	}
	s.dirty = false
	return nil
}

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.KV      = (*Store)(nil)
)
