// Package ingest turns documents into knowledge base commits: chunk, embed,
// extract, then commit the whole document at once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/extract"
	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config tunes the pipeline.
type Config struct {
	// Concurrency bounds embedding and extraction calls per document.
	Concurrency int
	// Documents bounds how many documents IngestAll runs at once.
	Documents int
	// EmbedBatch is the number of chunks sent in one embedding call.
	EmbedBatch int
	Retry      Retry
	// EmbedEntities embeds the names of newly created entities so queries
	// can find them by similarity.
	EmbedEntities bool
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		Documents:     2,
		EmbedBatch:    16,
		Retry:         DefaultRetry(),
		EmbedEntities: true,
	}
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	kb        *kb.KnowledgeBase
	chunker   *chunker.Chunker
	embedder  vector.Embedder
	extractor extract.Extractor
	cfg       Config
	logger    *zap.Logger
	metrics   *observability.Metrics

	// inflight collapses concurrent ingestion of identical content.
	inflight singleflight.Group
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline writing into base.
func New(base *kb.KnowledgeBase, c *chunker.Chunker, e vector.Embedder, x extract.Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		kb:        base,
		chunker:   c,
		embedder:  e,
		extractor: x,
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg.Concurrency = max(p.cfg.Concurrency, 1)
	p.cfg.Documents = max(p.cfg.Documents, 1)
	p.cfg.EmbedBatch = max(p.cfg.EmbedBatch, 1)
	p.logger = p.logger.With(zap.String("component", "ingest"))
	return p
}

// chunkWork carries one chunk through embedding and extraction.
type chunkWork struct {
	chunk     chunker.Chunk
	id        string
	embedding []float32
	embedErr  error
	extracted *extract.Result
}

// Ingest adds doc to the knowledge base. Content already fully processed is
// skipped. Content recorded as partial or failed reprocesses only the chunks
// that failed before. The document is visible to queries when Ingest
// returns without error.
func (p *Pipeline) Ingest(ctx context.Context, doc document.Document) (*Report, error) {
	if doc.Fingerprint == "" {
		doc = document.New(doc.Source, doc.Format, doc.Text)
	}
	for {
		v, err, _ := p.inflight.Do(doc.Fingerprint, func() (any, error) {
			rep, err := p.ingest(ctx, doc)
			if err != nil && ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", errLeaderGone, err)
			}
			return rep, err
		})
		if errors.Is(err, errLeaderGone) {
			// The caller running the shared ingest was cancelled. Callers
			// that are still live run it again under their own context.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		shared, _ := v.(*Report)
		if shared == nil {
			return nil, err
		}
		rep := *shared
		return &rep, err
	}
}

// errLeaderGone marks a shared ingest abandoned by the caller that started it.
var errLeaderGone = errors.New("shared ingest cancelled")

func (p *Pipeline) ingest(ctx context.Context, doc document.Document) (rep *Report, err error) {
	start := time.Now()
	ctx, span := observability.StartIngestSpan(ctx, doc.ID)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	rep = &Report{DocumentID: doc.ID, Fingerprint: doc.Fingerprint}
	prev, known := p.kb.DocumentByFingerprint(doc.Fingerprint)
	if known && prev.Status == kb.StatusProcessed {
		rep.Skipped = true
		rep.Status = kb.StatusProcessed
		rep.DocumentID = prev.ID
		p.logger.Debug("document unchanged, skipping", zap.String("document_id", prev.ID))
		return rep, nil
	}

	chunks, err := p.chunker.Chunk(doc.ID, doc.Text)
	if err != nil {
		return nil, fmt.Errorf("chunking %s: %w", doc.ID, err)
	}
	work := make([]*chunkWork, 0, len(chunks))
	retry := map[int]bool(nil)
	if known {
		retry = make(map[int]bool, len(prev.FailedChunks))
		for _, i := range prev.FailedChunks {
			retry[i] = true
		}
	}
	for _, c := range chunks {
		if retry == nil || retry[c.Index] {
			work = append(work, &chunkWork{chunk: c, id: c.ID()})
		}
	}

	if err := p.embedChunks(ctx, work); err != nil {
		return nil, err
	}
	if err := p.extractChunks(ctx, work, rep); err != nil {
		return nil, err
	}

	batch, err := p.buildBatch(ctx, doc, prev, known, len(chunks), work, rep)
	if err != nil {
		return nil, err
	}

	cctx, cspan := observability.StartCommitSpan(ctx, doc.ID, len(batch.Chunks))
	res, err := p.kb.Commit(cctx, batch)
	observability.RecordError(cspan, err)
	cspan.End()
	if err != nil {
		return nil, err
	}

	rep.Status = batch.Document.Status
	rep.ChunksAdded = len(batch.Chunks)
	rep.EntitiesCreated = res.EntitiesCreated
	rep.EntitiesMerged = res.EntitiesMerged
	rep.RelationsCreated = res.RelationsCreated
	rep.RelationsMerged = res.RelationsMerged
	rep.Duration = time.Since(start)

	observability.RecordIngestResult(span, string(rep.Status), rep.ChunksAdded, rep.ExtractionFailures, len(rep.FailedChunks))
	p.metrics.ObserveIngest(string(rep.Status), rep.ChunksAdded, rep.ExtractionFailures, len(rep.FailedChunks), rep.Duration)
	p.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.String("source", doc.Source),
		zap.String("status", string(rep.Status)),
		zap.Int("chunks", rep.ChunksAdded),
		zap.Int("entities_created", rep.EntitiesCreated),
		zap.Int("entities_merged", rep.EntitiesMerged),
		zap.Int("extraction_failures", rep.ExtractionFailures),
		zap.Ints("failed_chunks", rep.FailedChunks),
		zap.Duration("duration", rep.Duration))

	if rep.Status == kb.StatusFailed {
		return rep, rep.EmbeddingErr
	}
	return rep, nil
}

// embedChunks embeds in batches. A batch that exhausts its retries marks its
// chunks failed; a dimension mismatch or cancellation fails the document.
func (p *Pipeline) embedChunks(ctx context.Context, work []*chunkWork) error {
	dim := p.kb.Dimension()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for start := 0; start < len(work); start += p.cfg.EmbedBatch {
		part := work[start:min(start+p.cfg.EmbedBatch, len(work))]
		g.Go(func() error {
			ids := make([]string, len(part))
			texts := make([]string, len(part))
			for i, w := range part {
				ids[i], texts[i] = w.id, w.chunk.Text
			}
			vecs, err := Embed(gctx, p.embedder, ids, texts, dim, p.cfg.Retry)
			var ebe *EmbeddingBackendError
			switch {
			case errors.As(err, &ebe):
				p.logger.Warn("chunk embedding failed", zap.Strings("chunks", ids), zap.Error(err))
				for _, w := range part {
					w.embedErr = err
				}
				return nil
			case err != nil:
				return err
			}
			for i, w := range part {
				w.embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// extractChunks runs the extractor on every embedded chunk. Failures are
// counted and the chunk is kept without graph contributions.
func (p *Pipeline) extractChunks(ctx context.Context, work []*chunkWork, rep *Report) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, w := range work {
		if w.embedErr != nil {
			continue
		}
		g.Go(func() error {
			res, err := p.extractor.Extract(gctx, w.id, w.chunk.Text)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("extraction failed", zap.String("chunk_id", w.id),
					zap.Error(extract.AsBackendError(w.id, err)))
				mu.Lock()
				rep.ExtractionFailures++
				mu.Unlock()
				return nil
			}
			w.extracted = res
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) buildBatch(ctx context.Context, doc document.Document, prev kb.DocumentRecord, known bool, total int, work []*chunkWork, rep *Report) (kb.Batch, error) {
	now := time.Now().UTC()
	record := kb.DocumentRecord{
		ID:          doc.ID,
		Source:      doc.Source,
		Format:      doc.Format,
		Fingerprint: doc.Fingerprint,
		Content:     doc.Text,
		ChunkCount:  total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if known {
		record.CreatedAt = prev.CreatedAt
	}

	b := kb.Batch{}
	var embedErrs []error
	for _, w := range work {
		if w.embedErr != nil {
			record.FailedChunks = append(record.FailedChunks, w.chunk.Index)
			embedErrs = append(embedErrs, w.embedErr)
			continue
		}
		b.Chunks = append(b.Chunks, kb.ChunkRecord{ID: w.id, Chunk: w.chunk, Embedding: w.embedding})
		if w.extracted == nil {
			continue
		}
		for _, e := range w.extracted.Entities {
			b.Entities = append(b.Entities, graph.EntityUpdate{
				Name:        e.Name,
				Type:        e.Type,
				Description: e.Description,
				SourceID:    w.id,
			})
		}
		for _, r := range w.extracted.Relations {
			b.Relations = append(b.Relations, graph.RelationUpdate{
				Source:      r.Source,
				Target:      r.Target,
				Description: r.Description,
				Keywords:    r.Keywords,
				Weight:      r.Weight,
				SourceID:    w.id,
			})
		}
	}
	sort.Ints(record.FailedChunks)
	rep.FailedChunks = record.FailedChunks
	rep.EmbeddingErr = errors.Join(embedErrs...)

	switch {
	case len(record.FailedChunks) == 0:
		record.Status = kb.StatusProcessed
	case len(record.FailedChunks) == total:
		record.Status = kb.StatusFailed
	default:
		record.Status = kb.StatusPartial
	}
	b.Document = record

	if p.cfg.EmbedEntities {
		dim := p.kb.Dimension()
		if dim == 0 && len(b.Chunks) > 0 {
			dim = len(b.Chunks[0].Embedding)
		}
		p.embedEntityNames(ctx, b.Entities, dim)
	}
	return b, nil
}

// embedEntityNames attaches name embeddings to the first update of every
// entity the graph does not hold yet. Failures leave entities unembedded.
func (p *Pipeline) embedEntityNames(ctx context.Context, updates []graph.EntityUpdate, dim int) {
	first := make(map[string]int)
	var ids, names []string
	for i, u := range updates {
		key := graph.NormalizeName(u.Name)
		if key == "" || p.kb.Graph().Has(key) {
			continue
		}
		if _, seen := first[key]; seen {
			continue
		}
		first[key] = i
		ids = append(ids, key)
		names = append(names, u.Name)
	}
	if len(names) == 0 {
		return
	}
	for start := 0; start < len(names); start += p.cfg.EmbedBatch {
		end := min(start+p.cfg.EmbedBatch, len(names))
		vecs, err := Embed(ctx, p.embedder, ids[start:end], names[start:end], dim, p.cfg.Retry)
		if err != nil {
			p.logger.Warn("entity name embedding failed", zap.Int("entities", end-start), zap.Error(err))
			continue
		}
		for i, v := range vecs {
			updates[first[ids[start+i]]].Embedding = v
		}
	}
}

// Result is the outcome of one document in IngestAll.
type Result struct {
	Source string
	Report *Report
	Err    error
}

// IngestAll ingests docs with bounded parallelism. One document failing
// does not stop the others; results keep the input order.
func (p *Pipeline) IngestAll(ctx context.Context, docs []document.Document) []Result {
	results := make([]Result, len(docs))
	var g errgroup.Group
	g.SetLimit(p.cfg.Documents)
	for i, doc := range docs {
		g.Go(func() error {
			rep, err := p.Ingest(ctx, doc)
			results[i] = Result{Source: doc.Source, Report: rep, Err: err}
			if err != nil {
				p.logger.Error("document ingestion failed", zap.String("source", doc.Source), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
