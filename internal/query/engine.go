package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"go.uber.org/zap"
)

// Generator writes the answer from an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Config holds the engine defaults.
type Config struct {
	Mode             Mode
	TopK             int
	MaxContextTokens int
	MaxDepth         int
	// VectorWeight and GraphWeight are normalized to sum to one.
	VectorWeight        float64
	GraphWeight         float64
	MinEntitySimilarity float32
	Timeout             time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:                ModeHybrid,
		TopK:                5,
		MaxContextTokens:    4000,
		MaxDepth:            2,
		VectorWeight:        0.6,
		GraphWeight:         0.4,
		MinEntitySimilarity: 0.75,
		Timeout:             90 * time.Second,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	kb        *kb.KnowledgeBase
	embedder  vector.Embedder
	generator Generator
	tokenizer chunker.Tokenizer
	cfg       Config
	retry     ingest.Retry
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithTokenizer sets the tokenizer the context budget is counted in.
func WithTokenizer(t chunker.Tokenizer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tokenizer = t
		}
	}
}

func WithRetry(r ingest.Retry) Option {
	return func(e *Engine) { e.retry = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine reading base. generator may be nil when only
// context retrieval is used.
func New(base *kb.KnowledgeBase, embedder vector.Embedder, generator Generator, opts ...Option) *Engine {
	e := &Engine{
		kb:        base,
		embedder:  embedder,
		generator: generator,
		tokenizer: chunker.Words{},
		cfg:       DefaultConfig(),
		retry:     ingest.DefaultRetry(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Mode == "" {
		e.cfg.Mode = ModeHybrid
	}
	e.logger = e.logger.With(zap.String("component", "query"))
	return e
}

// Answer retrieves context for req and asks the generator. The knowledge
// base is only locked while retrieving.
func (e *Engine) Answer(ctx context.Context, req Request) (ans *Answer, err error) {
	start := time.Now()
	mode := e.cfg.Mode
	if req.Mode != "" {
		if mode, err = ParseMode(req.Mode); err != nil {
			return nil, err
		}
	}
	ctx, span := observability.StartQuerySpan(ctx, string(mode))
	outcome := "ok"
	tokens := 0
	defer func() {
		switch {
		case errors.Is(err, ErrNoKnowledge):
			outcome = "no_knowledge"
		case err != nil:
			var ge *GenerationError
			outcome = "error"
			if errors.As(err, &ge) {
				outcome = "generation_error"
			}
		}
		observability.RecordError(span, err)
		span.End()
		e.metrics.ObserveQuery(string(mode), outcome, tokens, time.Since(start))
	}()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	params := e.params(req, mode)

	empty := false
	_ = e.kb.Read(func(v *kb.View) error {
		empty = v.Empty()
		return nil
	})
	if empty {
		return nil, ErrNoKnowledge
	}

	var qvec []float32
	if e.embedder != nil {
		vecs, eerr := ingest.Embed(ctx, e.embedder, []string{"query"}, []string{text}, e.kb.Dimension(), e.retry)
		switch {
		case eerr == nil:
			qvec = vecs[0]
		case mode.usesVectors():
			return nil, eerr
		default:
			e.logger.Warn("query embedding failed, matching entities by name only", zap.Error(eerr))
		}
	}

	var fragments []Fragment
	err = e.kb.Read(func(v *kb.View) error {
		if v.Empty() {
			return ErrNoKnowledge
		}
		var rerr error
		fragments, rerr = e.retrieve(ctx, v, text, qvec, params)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	selected := e.budget(fragments, params)
	for _, f := range selected {
		tokens += f.Tokens
	}
	observability.RecordQueryResult(span, len(selected), tokens)

	ans = &Answer{Mode: mode, Context: selected, Provenance: provenance(selected)}
	if len(selected) == 0 {
		outcome = "no_match"
		ans.Text = NoMatchResponse
		return ans, nil
	}
	system, user := buildPrompt(text, selected)
	ans.Prompt = system + "\n\n" + user
	if req.OnlyContext {
		outcome = "context_only"
		ans.Text = renderContext(selected)
		return ans, nil
	}

	out, err := e.generate(ctx, system, user, params.timeout)
	if err != nil {
		return nil, err
	}
	ans.Text = out
	e.logger.Debug("query answered",
		zap.String("mode", string(mode)),
		zap.Int("fragments", len(selected)),
		zap.Int("context_tokens", tokens),
		zap.Duration("duration", time.Since(start)))
	return ans, nil
}

type params struct {
	mode    Mode
	topK    int
	budget  int
	depth   int
	vw, gw  float64
	minSim  float32
	timeout time.Duration
}

func (e *Engine) params(req Request, mode Mode) params {
	p := params{
		mode:    mode,
		topK:    e.cfg.TopK,
		budget:  e.cfg.MaxContextTokens,
		depth:   e.cfg.MaxDepth,
		minSim:  e.cfg.MinEntitySimilarity,
		timeout: e.cfg.Timeout,
	}
	if req.TopK > 0 {
		p.topK = req.TopK
	}
	if req.MaxContextTokens > 0 {
		p.budget = req.MaxContextTokens
	}
	if req.Timeout > 0 {
		p.timeout = req.Timeout
	}
	p.topK = max(p.topK, 1)
	p.budget = max(p.budget, 1)

	vw, gw := max(e.cfg.VectorWeight, 0), max(e.cfg.GraphWeight, 0)
	if vw+gw == 0 {
		vw, gw = 0.5, 0.5
	}
	switch mode {
	case ModeVectorOnly:
		vw, gw = 1, 0
	case ModeGraphOnly:
		vw, gw = 0, 1
	}
	p.vw, p.gw = vw/(vw+gw), gw/(vw+gw)
	return p
}

// generate waits for the generator until timeout. The generator call is
// abandoned, not awaited, once the deadline passes.
func (e *Engine) generate(ctx context.Context, system, user string, timeout time.Duration) (string, error) {
	if e.generator == nil {
		return "", &GenerationError{Err: ErrNoGenerator}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.generator.Generate(ctx, system, user)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", &GenerationError{Timeout: true, Err: r.err}
			}
			return "", &GenerationError{Err: r.err}
		}
		return r.text, nil
	case <-ctx.Done():
		err := ctx.Err()
		return "", &GenerationError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: fmt.Errorf("waiting for generator: %w", err)}
	}
}

func provenance(fs []Fragment) []Provenance {
	out := make([]Provenance, len(fs))
	for i, f := range fs {
		out[i] = Provenance{SourceID: f.ID, Kind: f.Kind, Score: f.Score}
	}
	return out
}
