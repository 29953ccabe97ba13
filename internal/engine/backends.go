package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/graph/neo4j"
	"github.com/efebarandurmaz/kiln/internal/scan"
	"github.com/efebarandurmaz/kiln/internal/storage"
	"github.com/efebarandurmaz/kiln/internal/storage/jsonkv"
	"github.com/efebarandurmaz/kiln/internal/storage/redis"
	"github.com/efebarandurmaz/kiln/internal/storage/sqlite"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"github.com/efebarandurmaz/kiln/internal/vector/qdrant"
)

func openBackend(ctx context.Context, c config.StorageConfig) (storage.Backend, error) {
	switch c.Backend {
	case "", "json":
		return jsonkv.New(c.WorkingDir)
	case "sqlite":
		return sqlite.New(c.WorkingDir)
	case "redis":
		return redis.New(ctx, redis.Config{
			Addr:     c.RedisAddr,
			Password: c.RedisPass,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

func openIndex(ctx context.Context, c config.VectorConfig, dim int) (vector.Index, error) {
	switch c.Backend {
	case "", "memory":
		return vector.NewFlat(dim), nil
	case "qdrant":
		return qdrant.New(ctx, c.Host, c.Port, c.Collection, dim)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", c.Backend)
	}
}

// openMirror returns nil when no mirror is configured.
func openMirror(ctx context.Context, c config.GraphConfig) (graph.Mirror, error) {
	switch c.Mirror {
	case "", "none":
		return nil, nil
	case "neo4j":
		m, err := neo4j.New(ctx, c.URI, c.Username, c.Password, c.Database)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown graph mirror %q", c.Mirror)
	}
}

func (e *Engine) resetScanState() error {
	dir := e.cfg.Storage.WorkingDir
	if dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(dir, scan.StateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
