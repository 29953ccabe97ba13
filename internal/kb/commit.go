package kb

import (
	"context"
	"errors"
	"fmt"

	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/storage"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"go.uber.org/zap"
)

// Commit persists one document's batch and then makes it visible. If any
// write fails, the writes already made are undone and a *StorageWriteError
// is returned; the in-memory state is never touched in that case. A vector
// whose length differs from the knowledge base dimension fails the whole
// batch with *vector.DimensionMismatchError before anything is written.
func (kb *KnowledgeBase) Commit(ctx context.Context, b Batch) (*CommitResult, error) {
	kb.writeMu.Lock()
	defer kb.writeMu.Unlock()

	docID := b.Document.ID
	dim := kb.dim
	for _, c := range b.Chunks {
		if err := vector.CheckDimension(c.ID, c.Embedding, dim); err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = len(c.Embedding)
		}
	}

	staged := kb.graph.Stage(b.Entities, b.Relations)
	defer staged.Abort()

	tx := &writeTx{kb: kb, docID: docID}
	if err := tx.run(ctx, b, staged, dim); err != nil {
		return nil, err
	}

	kb.viewMu.Lock()
	staged.Commit()
	for _, c := range b.Chunks {
		kb.committed[c.ID] = c
	}
	if prev, ok := kb.documents[docID]; ok && prev.Fingerprint != b.Document.Fingerprint {
		delete(kb.byFingerprint, prev.Fingerprint)
	}
	kb.documents[docID] = b.Document
	kb.byFingerprint[b.Document.Fingerprint] = docID
	kb.dim = dim
	kb.viewMu.Unlock()
	kb.pending.Add(-int64(len(b.Chunks)))

	res := &CommitResult{}
	createdEnts, createdRels := staged.Created()
	res.EntitiesCreated = len(createdEnts)
	res.EntitiesMerged = len(staged.Entities) - len(createdEnts)
	res.RelationsCreated = len(createdRels)
	res.RelationsMerged = len(staged.Relations) - len(createdRels)

	kb.logger.Debug("document committed",
		zap.String("document_id", docID),
		zap.Int("chunks", len(b.Chunks)),
		zap.Int("entities", len(staged.Entities)),
		zap.Int("relations", len(staged.Relations)))
	return res, nil
}

// writeTx records the undo step of each completed write.
type writeTx struct {
	kb    *KnowledgeBase
	docID string
	undo  []func(context.Context) error
}

func (tx *writeTx) step(ctx context.Context, op string, do func(context.Context) error, undo func(context.Context) error) error {
	if err := do(ctx); err != nil {
		return tx.fail(ctx, op, err)
	}
	if undo != nil {
		tx.undo = append(tx.undo, undo)
	}
	return nil
}

// fail rolls back in reverse order. Rollback runs even if ctx is done.
func (tx *writeTx) fail(ctx context.Context, op string, cause error) error {
	rctx := context.WithoutCancel(ctx)
	var errs []error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](rctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, tx.kb.flush(rctx))
	rollbackErr := errors.Join(errs...)

	tx.kb.logger.Warn("document write rolled back",
		zap.String("document_id", tx.docID),
		zap.String("op", op),
		zap.Error(cause),
		zap.NamedError("rollback_error", rollbackErr))
	return &StorageWriteError{DocumentID: tx.docID, Op: op, Err: cause, RollbackErr: rollbackErr}
}

func (tx *writeTx) run(ctx context.Context, b Batch, staged *graph.Staged, dim int) error {
	kb := tx.kb

	chunkIDs := make([]string, len(b.Chunks))
	chunkValues := make(map[string]ChunkRecord, len(b.Chunks))
	records := make([]vector.Record, len(b.Chunks))
	for i, c := range b.Chunks {
		chunkIDs[i] = c.ID
		chunkValues[c.ID] = c
		records[i] = vector.Record{ID: c.ID, Vector: c.Embedding, Metadata: map[string]string{"document_id": c.DocumentID}}
	}

	if len(b.Chunks) > 0 {
		err := tx.step(ctx, "chunks",
			func(ctx context.Context) error { return storage.PutJSON(ctx, kb.chunks, chunkValues) },
			func(ctx context.Context) error { return kb.chunks.Delete(ctx, chunkIDs) })
		if err != nil {
			return err
		}
		kb.pending.Add(int64(len(b.Chunks)))
		err = tx.step(ctx, "vectors",
			func(ctx context.Context) error { return kb.index.Upsert(ctx, records) },
			func(ctx context.Context) error { return kb.index.Delete(ctx, chunkIDs) })
		if err != nil {
			kb.pending.Add(-int64(len(b.Chunks)))
			return err
		}
		tx.undo = append(tx.undo, func(context.Context) error {
			kb.pending.Add(-int64(len(b.Chunks)))
			return nil
		})
	}

	createdEnts, createdRels := staged.Created()
	if len(staged.Entities) > 0 {
		values := make(map[string]graph.Entity, len(staged.Entities))
		for _, e := range staged.Entities {
			values[e.Key] = e
		}
		err := tx.step(ctx, "entities",
			func(ctx context.Context) error { return storage.PutJSON(ctx, kb.entities, values) },
			func(ctx context.Context) error {
				return restore(ctx, kb.entities, staged.PrevEntities, createdEnts)
			})
		if err != nil {
			return err
		}
	}
	if len(staged.Relations) > 0 {
		values := make(map[string]graph.Relation, len(staged.Relations))
		for _, r := range staged.Relations {
			values[r.Key] = r
		}
		err := tx.step(ctx, "relations",
			func(ctx context.Context) error { return storage.PutJSON(ctx, kb.relations, values) },
			func(ctx context.Context) error {
				return restore(ctx, kb.relations, staged.PrevRelations, createdRels)
			})
		if err != nil {
			return err
		}
	}

	if dim != kb.dim {
		err := tx.step(ctx, "meta",
			func(ctx context.Context) error {
				return storage.PutJSON(ctx, kb.meta, map[string]int{metaDimensionKey: dim})
			},
			func(ctx context.Context) error { return kb.meta.Delete(ctx, []string{metaDimensionKey}) })
		if err != nil {
			return err
		}
	}

	prevDoc, hadDoc := kb.documents[tx.docID]
	err := tx.step(ctx, "document",
		func(ctx context.Context) error {
			return storage.PutJSON(ctx, kb.docs, map[string]DocumentRecord{tx.docID: b.Document})
		},
		func(ctx context.Context) error {
			if hadDoc {
				return storage.PutJSON(ctx, kb.docs, map[string]DocumentRecord{tx.docID: prevDoc})
			}
			return kb.docs.Delete(ctx, []string{tx.docID})
		})
	if err != nil {
		return err
	}

	if kb.mirror != nil && (len(staged.Entities) > 0 || len(staged.Relations) > 0) {
		err := tx.step(ctx, "graph mirror",
			func(ctx context.Context) error { return kb.mirror.Upsert(ctx, staged.Entities, staged.Relations) },
			func(ctx context.Context) error {
				return rollbackMirror(ctx, kb.mirror, staged, createdEnts, createdRels)
			})
		if err != nil {
			return err
		}
	}

	if err := kb.flush(ctx); err != nil {
		return tx.fail(ctx, "flush", err)
	}
	return nil
}

// restore puts back the previous values and deletes keys the batch created.
func restore[T any](ctx context.Context, kv storage.KV, prev map[string]*T, created []string) error {
	old := make(map[string]T)
	for k, v := range prev {
		if v != nil {
			old[k] = *v
		}
	}
	var errs []error
	if len(old) > 0 {
		errs = append(errs, storage.PutJSON(ctx, kv, old))
	}
	if len(created) > 0 {
		errs = append(errs, kv.Delete(ctx, created))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("restoring %s: %w", kv.Namespace(), err)
	}
	return nil
}

func rollbackMirror(ctx context.Context, m graph.Mirror, staged *graph.Staged, createdEnts, createdRels []string) error {
	var ents []graph.Entity
	for _, e := range staged.PrevEntities {
		if e != nil {
			ents = append(ents, *e)
		}
	}
	var rels []graph.Relation
	for _, r := range staged.PrevRelations {
		if r != nil {
			rels = append(rels, *r)
		}
	}
	return errors.Join(
		m.Delete(ctx, createdEnts, createdRels),
		m.Upsert(ctx, ents, rels),
	)
}
