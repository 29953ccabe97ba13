// Package redis stores each namespace as one Redis hash named
// <prefix>:<namespace>.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/efebarandurmaz/kiln/internal/storage"
)

// Config configures the connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix separates knowledge bases sharing one server.
	Prefix string
}

// Backend owns the client.
type Backend struct {
	client *goredis.Client
	prefix string
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kiln"
	}
	return &Backend{client: client, prefix: prefix}, nil
}

func (b *Backend) Name() string { return "redis" }

func (b *Backend) Open(_ context.Context, ns storage.Namespace) (storage.KV, error) {
	return &Store{client: b.client, ns: ns, key: b.prefix + ":" + string(ns)}, nil
}

func (b *Backend) Drop(ctx context.Context) error {
	keys := make([]string, len(storage.AllNamespaces))
	for i, ns := range storage.AllNamespaces {
		keys[i] = b.prefix + ":" + string(ns)
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("dropping namespaces: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// Store is one hash.
type Store struct {
	client *goredis.Client
	ns     storage.Namespace
	key    string
}

func (s *Store) Namespace() storage.Namespace { return s.ns }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", s.ns, key, err)
	}
	return v, nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.key, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", s.ns, err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

func (s *Store) Missing(ctx context.Context, keys []string) ([]string, error) {
	present, err := s.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if _, ok := present[k]; !ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Upsert writes the batch in a MULTI/EXEC block.
func (s *Store) Upsert(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, s.key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting %s: %w", s.ns, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, keys...).Err(); err != nil {
		return fmt.Errorf("deleting from %s: %w", s.ns, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.ns, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) All(ctx context.Context) (map[string][]byte, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", s.ns, err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *Store) Drop(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("dropping %s: %w", s.ns, err)
	}
	return nil
}

func (s *Store) Flush(context.Context) error { return nil }

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.KV      = (*Store)(nil)
)
