// Package kb owns the knowledge base aggregate: documents, chunks and their
// embeddings, and the entity graph, persisted through a storage backend.
//
// Writes are serialized: a document's batch is persisted first and rolled
// back on failure, then applied to memory in one step under the view lock.
// Readers take the view lock shared, so they see a whole document or none
// of it.
package kb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/storage"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"go.uber.org/zap"
)

const (
	metaDimensionKey = "embedding_dimension"
	reindexBatch     = 256
)

// KnowledgeBase is safe for concurrent use.
type KnowledgeBase struct {
	backend storage.Backend
	index   vector.Index
	graph   *graph.Store
	mirror  graph.Mirror
	logger  *zap.Logger

	docs      storage.KV
	chunks    storage.KV
	entities  storage.KV
	relations storage.KV
	meta      storage.KV

	writeMu sync.Mutex
	viewMu  sync.RWMutex

	documents     map[string]DocumentRecord
	byFingerprint map[string]string
	committed     map[string]ChunkRecord
	configuredDim int
	dim           int

	// pending counts chunks written to the index but not yet visible.
	pending atomic.Int64
}

// Option configures Open.
type Option func(*KnowledgeBase)

func WithLogger(l *zap.Logger) Option {
	return func(kb *KnowledgeBase) {
		if l != nil {
			kb.logger = l
		}
	}
}

// WithMirror writes committed graph changes to an external graph store.
func WithMirror(m graph.Mirror) Option {
	return func(kb *KnowledgeBase) { kb.mirror = m }
}

// WithDimension fixes the embedding dimension. Without it the first
// committed vector decides.
func WithDimension(dim int) Option {
	return func(kb *KnowledgeBase) { kb.configuredDim = dim }
}

// Open loads the knowledge base persisted in backend, or starts an empty
// one. The vector index is rebuilt from stored embeddings when it is empty.
func Open(ctx context.Context, backend storage.Backend, index vector.Index, g *graph.Store, opts ...Option) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		backend: backend,
		index:   index,
		graph:   g,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(kb)
	}
	kb.logger = kb.logger.With(zap.String("component", "kb"))

	var err error
	for ns, dst := range map[storage.Namespace]*storage.KV{
		storage.NamespaceDocuments: &kb.docs,
		storage.NamespaceChunks:    &kb.chunks,
		storage.NamespaceEntities:  &kb.entities,
		storage.NamespaceRelations: &kb.relations,
		storage.NamespaceMeta:      &kb.meta,
	} {
		if *dst, err = backend.Open(ctx, ns); err != nil {
			return nil, fmt.Errorf("opening %s: %w", ns, err)
		}
	}
	if err := kb.load(ctx); err != nil {
		return nil, err
	}
	return kb, nil
}

func (kb *KnowledgeBase) load(ctx context.Context) error {
	docs, err := storage.LoadAll[DocumentRecord](ctx, kb.docs)
	if err != nil {
		return err
	}
	chunks, err := storage.LoadAll[ChunkRecord](ctx, kb.chunks)
	if err != nil {
		return err
	}
	entities, err := storage.LoadAll[graph.Entity](ctx, kb.entities)
	if err != nil {
		return err
	}
	relations, err := storage.LoadAll[graph.Relation](ctx, kb.relations)
	if err != nil {
		return err
	}

	dim := kb.configuredDim
	stored, err := storage.GetJSON[int](ctx, kb.meta, metaDimensionKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case dim > 0 && stored > 0 && stored != dim:
		return &vector.DimensionMismatchError{ID: "knowledge base", Expected: stored, Got: dim}
	default:
		dim = stored
	}

	kb.documents = make(map[string]DocumentRecord, len(docs))
	kb.byFingerprint = make(map[string]string, len(docs))
	for id, d := range docs {
		kb.documents[id] = d
		kb.byFingerprint[d.Fingerprint] = id
	}
	kb.committed = chunks
	kb.dim = dim

	ents := make([]graph.Entity, 0, len(entities))
	for _, e := range entities {
		ents = append(ents, e)
	}
	rels := make([]graph.Relation, 0, len(relations))
	for _, r := range relations {
		rels = append(rels, r)
	}
	kb.graph.Load(ents, rels)

	if err := kb.reindex(ctx); err != nil {
		return err
	}
	kb.logger.Info("knowledge base loaded",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)),
		zap.Int("entities", len(ents)),
		zap.Int("relations", len(rels)),
		zap.Int("dimension", dim))
	return nil
}

// reindex fills an empty vector index from the stored chunk embeddings.
func (kb *KnowledgeBase) reindex(ctx context.Context) error {
	if len(kb.committed) == 0 {
		return nil
	}
	n, err := kb.index.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting vectors: %w", err)
	}
	if n > 0 {
		return nil
	}
	ids := make([]string, 0, len(kb.committed))
	for id := range kb.committed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for start := 0; start < len(ids); start += reindexBatch {
		end := min(start+reindexBatch, len(ids))
		records := make([]vector.Record, 0, end-start)
		for _, id := range ids[start:end] {
			c := kb.committed[id]
			records = append(records, vector.Record{ID: id, Vector: c.Embedding, Metadata: map[string]string{"document_id": c.DocumentID}})
		}
		if err := kb.index.Upsert(ctx, records); err != nil {
			return fmt.Errorf("rebuilding vector index: %w", err)
		}
	}
	kb.logger.Info("vector index rebuilt", zap.Int("vectors", len(ids)))
	return nil
}

// Graph returns the entity graph. Callers that need a view consistent with
// chunks should use Read.
func (kb *KnowledgeBase) Graph() *graph.Store { return kb.graph }

// Dimension is the embedding dimension, zero until known.
func (kb *KnowledgeBase) Dimension() int {
	kb.viewMu.RLock()
	defer kb.viewMu.RUnlock()
	return kb.dim
}

// Document returns a committed document by ID.
func (kb *KnowledgeBase) Document(id string) (DocumentRecord, bool) {
	kb.viewMu.RLock()
	defer kb.viewMu.RUnlock()
	d, ok := kb.documents[id]
	return d, ok
}

// DocumentByFingerprint returns the committed document with this content.
func (kb *KnowledgeBase) DocumentByFingerprint(fp string) (DocumentRecord, bool) {
	kb.viewMu.RLock()
	defer kb.viewMu.RUnlock()
	id, ok := kb.byFingerprint[fp]
	if !ok {
		return DocumentRecord{}, false
	}
	return kb.documents[id], true
}

// Documents returns every committed document sorted by ID.
func (kb *KnowledgeBase) Documents() []DocumentRecord {
	kb.viewMu.RLock()
	defer kb.viewMu.RUnlock()
	out := make([]DocumentRecord, 0, len(kb.documents))
	for _, d := range kb.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts what the knowledge base holds.
func (kb *KnowledgeBase) Stats(ctx context.Context) (Stats, error) {
	kb.viewMu.RLock()
	st := Stats{
		Documents: len(kb.documents),
		ByStatus:  make(map[DocStatus]int),
		Chunks:    len(kb.committed),
		Dimension: kb.dim,
	}
	for _, d := range kb.documents {
		st.ByStatus[d.Status]++
	}
	st.Entities, st.Relations = kb.graph.Len()
	kb.viewMu.RUnlock()

	n, err := kb.index.Count(ctx)
	if err != nil {
		return st, fmt.Errorf("counting vectors: %w", err)
	}
	st.VectorCount = n
	return st, nil
}

// Reset drops every namespace, the vector index and the mirror, leaving an
// empty knowledge base. Resetting an empty base is a no-op.
func (kb *KnowledgeBase) Reset(ctx context.Context) error {
	kb.writeMu.Lock()
	defer kb.writeMu.Unlock()
	kb.viewMu.Lock()
	defer kb.viewMu.Unlock()

	var errs []error
	if err := kb.backend.Drop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dropping storage: %w", err))
	}
	if err := kb.index.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resetting vector index: %w", err))
	}
	if kb.mirror != nil {
		if err := kb.mirror.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resetting graph mirror: %w", err))
		}
	}
	kb.graph.Reset()
	kb.documents = make(map[string]DocumentRecord)
	kb.byFingerprint = make(map[string]string)
	kb.committed = make(map[string]ChunkRecord)
	kb.dim = kb.configuredDim
	if err := errors.Join(errs...); err != nil {
		return err
	}
	kb.logger.Info("knowledge base reset")
	return nil
}

// Close flushes storage and releases the index and mirror. The backend is
// owned by the caller.
func (kb *KnowledgeBase) Close(ctx context.Context) error {
	kb.writeMu.Lock()
	defer kb.writeMu.Unlock()
	errs := []error{kb.flush(ctx), kb.index.Close()}
	if kb.mirror != nil {
		errs = append(errs, kb.mirror.Close(ctx))
	}
	return errors.Join(errs...)
}

func (kb *KnowledgeBase) flush(ctx context.Context) error {
	var errs []error
	for _, kv := range []storage.KV{kb.docs, kb.chunks, kb.entities, kb.relations, kb.meta} {
		if err := kv.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", kv.Namespace(), err))
		}
	}
	return errors.Join(errs...)
}

// ResetDir removes the files the local storage backends keep in dir. Other
// files are left alone.
func ResetDir(dir string) error {
	patterns := []string{"kv_store_*.json", "kiln.db", "kiln.db-wal", "kiln.db-shm"}
	var errs []error
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, p))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
