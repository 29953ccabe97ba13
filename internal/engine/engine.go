// Package engine assembles a knowledge base, its ingestion pipeline and its
// query engine from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/export"
	"github.com/efebarandurmaz/kiln/internal/extract"
	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/query"
	"github.com/efebarandurmaz/kiln/internal/scan"
	"github.com/efebarandurmaz/kiln/internal/secrets"
	"github.com/efebarandurmaz/kiln/internal/storage"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"go.uber.org/zap"
)

// ErrNoEmbedder is returned by Ingest when no embedding backend is configured.
var ErrNoEmbedder = errors.New("no embedding backend configured")

// ErrNoExtractor is returned by Ingest when no completion backend is
// configured for entity extraction.
var ErrNoExtractor = errors.New("no extraction backend configured")

// Engine is safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	backend storage.Backend
	kb      *kb.KnowledgeBase

	embedder  vector.Embedder
	extractor extract.Extractor
	generator query.Generator
	cache     *llm.CachedProvider

	pipeline *ingest.Pipeline
	query    *query.Engine
}

// Option overrides a component Open would otherwise build from config.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *observability.Metrics
	factory   *llm.ProviderFactory
	resolver  *secrets.Resolver
	backend   storage.Backend
	index     vector.Index
	mirror    graph.Mirror
	embedder  vector.Embedder
	extractor extract.Extractor
	generator query.Generator
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFactory replaces the built-in provider registry.
func WithFactory(f *llm.ProviderFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithResolver replaces the secret resolver used for credentials.
func WithResolver(r *secrets.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithBackend uses b for storage. The engine closes it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

func WithIndex(i vector.Index) Option {
	return func(o *options) { o.index = i }
}

func WithMirror(m graph.Mirror) Option {
	return func(o *options) { o.mirror = m }
}

func WithEmbedder(e vector.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

func WithExtractor(x extract.Extractor) Option {
	return func(o *options) { o.extractor = x }
}

func WithGenerator(g query.Generator) Option {
	return func(o *options) { o.generator = g }
}

// Open builds every component named by cfg and loads the persisted
// knowledge base.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.factory == nil {
		o.factory = NewFactory()
	}
	if o.resolver == nil {
		o.resolver = secrets.Default()
	}

	c := *cfg
	if err := o.resolver.ResolveAll(ctx,
		&c.LLM.APIKey, &c.LLM.Embedding.APIKey, &c.Graph.Password, &c.Storage.RedisPass); err != nil {
		return nil, err
	}

	e := &Engine{cfg: &c, logger: o.logger, metrics: o.metrics}
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	e.backend = o.backend
	if e.backend == nil {
		if e.backend, err = openBackend(ctx, c.Storage); err != nil {
			return nil, err
		}
	}
	cleanup = append(cleanup, func() { e.backend.Close() })

	index := o.index
	if index == nil {
		if index, err = openIndex(ctx, c.Vector, c.Embedding.Dimension); err != nil {
			return nil, err
		}
	}
	cleanup = append(cleanup, func() { index.Close() })

	mirror := o.mirror
	if mirror == nil {
		if mirror, err = openMirror(ctx, c.Graph); err != nil {
			return nil, err
		}
	}
	if mirror != nil {
		cleanup = append(cleanup, func() { mirror.Close(context.WithoutCancel(ctx)) })
	}

	kbOpts := []kb.Option{kb.WithLogger(o.logger), kb.WithDimension(c.Embedding.Dimension)}
	if mirror != nil {
		kbOpts = append(kbOpts, kb.WithMirror(mirror))
	}
	g := graph.NewStore(graph.WithMaxDescriptionBytes(c.Graph.MaxDescriptionBytes))
	if e.kb, err = kb.Open(ctx, e.backend, index, g, kbOpts...); err != nil {
		return nil, fmt.Errorf("opening knowledge base: %w", err)
	}

	if err := e.buildModels(ctx, o); err != nil {
		return nil, err
	}

	tok, err := chunker.ParseTokenizer(c.Chunking.Tokenizer)
	if err != nil {
		return nil, err
	}
	ch := chunker.New(
		chunker.WithMaxTokens(c.Chunking.MaxTokens),
		chunker.WithOverlap(c.Chunking.Overlap),
		chunker.WithTokenizer(tok),
	)

	if e.embedder != nil && e.extractor != nil {
		e.pipeline = ingest.New(e.kb, ch, e.embedder, e.extractor,
			ingest.WithConfig(ingestConfig(c)),
			ingest.WithLogger(o.logger),
			ingest.WithMetrics(o.metrics))
	}
	e.query = query.New(e.kb, e.embedder, e.generator,
		query.WithConfig(queryConfig(c.Query)),
		query.WithTokenizer(tok),
		query.WithRetry(retryConfig(c.Ingest)),
		query.WithLogger(o.logger),
		query.WithMetrics(o.metrics))

	st, _ := e.kb.Stats(ctx)
	o.logger.Info("engine ready",
		zap.String("storage", e.backend.Name()),
		zap.String("vector", c.Vector.Backend),
		zap.String("graph_mirror", c.Graph.Mirror),
		zap.String("llm", c.LLM.Provider),
		zap.String("tokenizer", tok.Name()),
		zap.Int("documents", st.Documents),
		zap.Int("chunks", st.Chunks),
		zap.Int("entities", st.Entities))
	return e, nil
}

// buildModels creates the embedder, extractor and generator not supplied
// as options.
func (e *Engine) buildModels(ctx context.Context, o options) error {
	e.embedder, e.extractor, e.generator = o.embedder, o.extractor, o.generator
	c := e.cfg

	var completion llm.Provider
	if e.extractor == nil || e.generator == nil {
		p, err := o.factory.Create(ProviderConfig(c.LLM))
		if err != nil {
			return fmt.Errorf("creating LLM provider: %w", err)
		}
		completion = p
	}
	if e.embedder == nil {
		p, err := o.factory.Create(ProviderConfig(c.LLM.ResolveEmbedding()))
		if err != nil {
			return fmt.Errorf("creating embedding provider: %w", err)
		}
		if p != nil {
			e.embedder = vector.NewProviderEmbedder(p, c.Embedding.Dimension)
		}
	}
	if completion == nil {
		return nil
	}

	if e.extractor == nil {
		extraction := completion
		if c.LLM.CacheExtraction {
			kv, err := e.backend.Open(ctx, storage.NamespaceLLMCache)
			if err != nil {
				return fmt.Errorf("opening %s: %w", storage.NamespaceLLMCache, err)
			}
			e.cache = llm.NewCachedProvider(completion, kv)
			extraction = e.cache
		}
		e.extractor = extract.NewLLM(extraction, e.logger)
	}
	if e.generator == nil {
		e.generator = llm.NewGenerator(completion, c.LLM.MaxTokens, c.LLM.Temperature)
	}
	return nil
}

func ingestConfig(c config.Config) ingest.Config {
	ic := ingest.DefaultConfig()
	if c.Ingest.Concurrency > 0 {
		ic.Concurrency = c.Ingest.Concurrency
	}
	if c.Ingest.Documents > 0 {
		ic.Documents = c.Ingest.Documents
	}
	if c.Embedding.Batch > 0 {
		ic.EmbedBatch = c.Embedding.Batch
	}
	ic.Retry = retryConfig(c.Ingest)
	return ic
}

func retryConfig(c config.IngestConfig) ingest.Retry {
	r := ingest.DefaultRetry()
	if c.EmbedRetries >= 0 {
		r.Retries = c.EmbedRetries
	}
	if c.BackoffBase > 0 {
		r.Base = c.BackoffBase
	}
	if c.BackoffMax > 0 {
		r.MaxDelay = c.BackoffMax
	}
	return r
}

func queryConfig(c config.QueryConfig) query.Config {
	qc := query.DefaultConfig()
	if mode, err := query.ParseMode(c.Mode); err == nil {
		qc.Mode = mode
	}
	if c.TopK > 0 {
		qc.TopK = c.TopK
	}
	if c.MaxContextTokens > 0 {
		qc.MaxContextTokens = c.MaxContextTokens
	}
	if c.MaxDepth > 0 {
		qc.MaxDepth = c.MaxDepth
	}
	if c.VectorWeight > 0 || c.GraphWeight > 0 {
		qc.VectorWeight, qc.GraphWeight = c.VectorWeight, c.GraphWeight
	}
	if c.MinEntitySimilarity > 0 {
		qc.MinEntitySimilarity = float32(c.MinEntitySimilarity)
	}
	if c.Timeout > 0 {
		qc.Timeout = c.Timeout
	}
	return qc
}

// Config is the resolved configuration the engine runs with.
func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) KnowledgeBase() *kb.KnowledgeBase { return e.kb }

func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Ingest parses data in format and adds it to the knowledge base. An empty
// format is detected from the source name and content.
func (e *Engine) Ingest(ctx context.Context, source string, data []byte, format document.Format) (*ingest.Report, error) {
	if format == "" {
		format = document.Detect(source, data)
	}
	doc, err := document.Parse(source, data, format)
	if err != nil {
		return nil, err
	}
	return e.IngestDocument(ctx, doc)
}

// IngestDocument adds an already parsed document.
func (e *Engine) IngestDocument(ctx context.Context, doc document.Document) (*ingest.Report, error) {
	if err := e.canIngest(); err != nil {
		return nil, err
	}
	return e.pipeline.Ingest(ctx, doc)
}

// CheckModels reports whether the models needed for ingestion are present.
func (e *Engine) CheckModels(context.Context) error { return e.canIngest() }

func (e *Engine) canIngest() error {
	switch {
	case e.embedder == nil:
		return ErrNoEmbedder
	case e.extractor == nil:
		return ErrNoExtractor
	}
	return nil
}

// IngestAll ingests docs concurrently, one result per document.
func (e *Engine) IngestAll(ctx context.Context, docs []document.Document) []ingest.Result {
	if err := e.canIngest(); err != nil {
		out := make([]ingest.Result, len(docs))
		for i, d := range docs {
			out[i] = ingest.Result{Source: d.Source, Err: err}
		}
		return out
	}
	return e.pipeline.IngestAll(ctx, docs)
}

// Scan ingests the new and changed files under dir. The scan state is kept
// in the storage working directory.
func (e *Engine) Scan(ctx context.Context, dir string, force bool) (*scan.Result, error) {
	stateDir := e.cfg.Storage.WorkingDir
	if stateDir == "" {
		stateDir = dir
	}
	s := scan.New(dir, ingester{e},
		scan.WithStateDir(stateDir),
		scan.WithForce(force),
		scan.WithLogger(e.logger))
	return s.Run(ctx)
}

type ingester struct{ e *Engine }

func (i ingester) Ingest(ctx context.Context, doc document.Document) (*ingest.Report, error) {
	return i.e.IngestDocument(ctx, doc)
}

func (e *Engine) Query(ctx context.Context, req query.Request) (*query.Answer, error) {
	return e.query.Answer(ctx, req)
}

// Reset empties the knowledge base, its index and mirror, and the scan
// state.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.kb.Reset(ctx); err != nil {
		return err
	}
	if err := e.resetScanState(); err != nil {
		e.logger.Warn("removing scan state", zap.Error(err))
	}
	return nil
}

// Snapshot copies the committed graph.
func (e *Engine) Snapshot() export.Snapshot {
	var snap export.Snapshot
	_ = e.kb.Read(func(v *kb.View) error {
		snap = export.FromStore(v.Graph())
		return nil
	})
	return snap
}

// Export writes the committed graph to w.
func (e *Engine) Export(w io.Writer, format export.Format) error {
	return export.Write(w, format, e.Snapshot())
}

// Stats extends the knowledge base counts with cache statistics.
type Stats struct {
	kb.Stats
	CacheHits   int64 `json:"llm_cache_hits"`
	CacheMisses int64 `json:"llm_cache_misses"`
	Components  int   `json:"graph_components"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	st, err := e.kb.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Stats: st, Components: e.Snapshot().Stats.Components}
	if e.cache != nil {
		out.CacheHits, out.CacheMisses = e.cache.Stats()
	}
	return out, nil
}

// Close flushes and releases every component.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.kb.Close(ctx), e.backend.Close())
}
