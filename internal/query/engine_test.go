package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/graph"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/efebarandurmaz/kiln/internal/storage/jsonkv"
	"github.com/efebarandurmaz/kiln/internal/testutil"
	"github.com/efebarandurmaz/kiln/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceText = "Alice works at Acme. Acme is based in Springfield. Alice likes hiking."

var fastRetry = ingest.Retry{Retries: 1, Base: time.Millisecond, MaxDelay: time.Millisecond}

func openKB(t *testing.T) *kb.KnowledgeBase {
	t.Helper()
	b, err := jsonkv.New(t.TempDir())
	require.NoError(t, err)
	base, err := kb.Open(testutil.TestContext(t), b, vector.NewFlat(0), graph.NewStore())
	require.NoError(t, err)
	return base
}

// aliceKB ingests aliceText with the hashed embedder and rule extractor.
func aliceKB(t *testing.T) (*kb.KnowledgeBase, *testutil.HashEmbedder) {
	t.Helper()
	base := openKB(t)
	emb := testutil.NewHashEmbedder(16)
	cfg := ingest.DefaultConfig()
	cfg.Retry = fastRetry
	p := ingest.New(base, chunker.New(), emb, testutil.NewRuleExtractor(), ingest.WithConfig(cfg))
	_, err := p.Ingest(testutil.TestContext(t), document.New("alice.txt", document.FormatText, aliceText))
	require.NoError(t, err)
	return base, emb
}

func fragmentIDs(fs []Fragment) []string {
	ids := make([]string, len(fs))
	for i, f := range fs {
		ids[i] = f.ID
	}
	return ids
}

func TestAnswer_GraphOnlyFindsEmployer(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	provider := testutil.NewMockProvider().WithResponse("Alice works at Acme.")
	e := New(base, emb, llm.NewGenerator(provider, 0, 0), WithRetry(fastRetry))

	ans, err := e.Answer(ctx, Request{Text: "Where does Alice work?", Mode: "graph_only"})
	require.NoError(t, err)
	assert.Equal(t, ModeGraphOnly, ans.Mode)
	assert.Equal(t, "Alice works at Acme.", ans.Text)

	var acme *Fragment
	for i := range ans.Context {
		if ans.Context[i].ID == "entity:acme" {
			acme = &ans.Context[i]
		}
	}
	require.NotNil(t, acme, "context: %v", fragmentIDs(ans.Context))
	assert.Greater(t, acme.Score, 0.0)
	assert.Equal(t, SourceGraph, acme.Source)
	assert.Zero(t, acme.VectorScore)

	require.Len(t, provider.Prompts(), 1)
	assert.Len(t, ans.Provenance, len(ans.Context))
	assert.Contains(t, ans.Prompt, "---Question---\nWhere does Alice work?")
}

// constEmbedder maps every text to the same vector.
type constEmbedder []float32

func (c constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), c...)
	}
	return out, nil
}

func TestAnswer_HybridReservesBothSources(t *testing.T) {
	ctx := testutil.TestContext(t)
	base := openKB(t)

	words := make([]string, 20)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	long := chunker.Chunk{DocumentID: "doc", Index: 0, Text: strings.Join(words, " ")}
	short := chunker.Chunk{DocumentID: "doc", Index: 1, Text: "unrelated text"}
	_, err := base.Commit(ctx, kb.Batch{
		Document: kb.DocumentRecord{ID: "doc", Fingerprint: "fp-doc", Status: kb.StatusProcessed, ChunkCount: 2},
		Chunks: []kb.ChunkRecord{
			{ID: long.ID(), Chunk: long, Embedding: []float32{1, 0, 0, 0}},
			{ID: short.ID(), Chunk: short, Embedding: []float32{0, 1, 0, 0}},
		},
		Entities: []graph.EntityUpdate{{Name: "Alice", SourceID: short.ID()}},
	})
	require.NoError(t, err)

	e := New(base, constEmbedder{1, 0, 0, 0}, nil, WithRetry(fastRetry))
	ans, err := e.Answer(ctx, Request{Text: "tell me about Alice", MaxContextTokens: 10, OnlyContext: true})
	require.NoError(t, err)

	// The long passage alone would not fit; it is cut to half the budget so
	// the best graph fragment still gets in.
	require.Equal(t, []string{long.ID(), "entity:alice", short.ID()}, fragmentIDs(ans.Context))
	assert.True(t, ans.Context[0].Truncated)
	assert.Equal(t, 5, ans.Context[0].Tokens)
	assert.Equal(t, SourceVector, ans.Context[0].Source)
	assert.Equal(t, SourceGraph, ans.Context[1].Source)

	total := 0
	for _, f := range ans.Context {
		total += f.Tokens
	}
	assert.LessOrEqual(t, total, 10)
}

func TestAnswer_Deterministic(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	e := New(base, emb, nil, WithRetry(fastRetry))

	first, err := e.Answer(ctx, Request{Text: "Where is Acme based?", OnlyContext: true})
	require.NoError(t, err)
	require.NotEmpty(t, first.Provenance)
	for range 5 {
		again, err := e.Answer(ctx, Request{Text: "Where is Acme based?", OnlyContext: true})
		require.NoError(t, err)
		assert.Equal(t, first.Provenance, again.Provenance)
		assert.Equal(t, first.Text, again.Text)
	}
}

func TestAnswer_OnlyContextSkipsGenerator(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	provider := testutil.NewMockProvider()
	e := New(base, emb, llm.NewGenerator(provider, 0, 0), WithRetry(fastRetry))

	ans, err := e.Answer(ctx, Request{Text: "Who is Alice?", Mode: "local", OnlyContext: true})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "## Entities")
	assert.Contains(t, ans.Text, "Alice (ENTITY)")
	assert.Empty(t, provider.Prompts())
}

func TestAnswer_NoGenerator(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	e := New(base, emb, nil, WithRetry(fastRetry))

	_, err := e.Answer(ctx, Request{Text: "Who is Alice?"})
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.False(t, ge.Timeout)
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestAnswer_NoMatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, _ := aliceKB(t)
	provider := testutil.NewMockProvider()
	e := New(base, nil, llm.NewGenerator(provider, 0, 0))

	ans, err := e.Answer(ctx, Request{Text: "what about bananas?", Mode: "graph_only"})
	require.NoError(t, err)
	assert.Equal(t, NoMatchResponse, ans.Text)
	assert.Empty(t, ans.Provenance)
	assert.Empty(t, provider.Prompts())
}

func TestAnswer_EmptyKnowledgeBase(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	e := New(base, emb, llm.NewGenerator(testutil.NewMockProvider(), 0, 0), WithRetry(fastRetry))

	_, err := e.Answer(ctx, Request{Text: "Who is Alice?"})
	require.NoError(t, err)

	require.NoError(t, base.Reset(ctx))
	_, err = e.Answer(ctx, Request{Text: "Who is Alice?"})
	assert.ErrorIs(t, err, ErrNoKnowledge)

	fresh := New(openKB(t), emb, nil)
	_, err = fresh.Answer(ctx, Request{Text: "Who is Alice?"})
	assert.ErrorIs(t, err, ErrNoKnowledge)
}

func TestAnswer_InvalidRequest(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	e := New(base, emb, nil)

	_, err := e.Answer(ctx, Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = e.Answer(ctx, Request{Text: "Who is Alice?", Mode: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestAnswer_GenerationTimeout(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	provider := testutil.NewMockProvider().WithDelay(5 * time.Second)
	e := New(base, emb, llm.NewGenerator(provider, 0, 0), WithRetry(fastRetry))

	start := time.Now()
	_, err := e.Answer(ctx, Request{Text: "Who is Alice?", Timeout: 20 * time.Millisecond})
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Timeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// stubbornGenerator ignores cancellation until released.
type stubbornGenerator struct{ release chan struct{} }

func (s stubbornGenerator) Generate(context.Context, string, string) (string, error) {
	<-s.release
	return "late", nil
}

func TestAnswer_GenerationTimeoutAbandonsStuckGenerator(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	gen := stubbornGenerator{release: make(chan struct{})}
	t.Cleanup(func() { close(gen.release) })
	e := New(base, emb, gen, WithRetry(fastRetry))

	start := time.Now()
	_, err := e.Answer(ctx, Request{Text: "Who is Alice?", Timeout: 20 * time.Millisecond})
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAnswer_GenerationErrorNotRetried(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	boom := errors.New("boom")
	provider := testutil.NewMockProvider().WithError(boom)
	e := New(base, emb, llm.NewGenerator(provider, 0, 0), WithRetry(fastRetry))

	_, err := e.Answer(ctx, Request{Text: "Who is Alice?"})
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.False(t, ge.Timeout)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, provider.Prompts(), 1)
}

func TestAnswer_EmbeddingFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, _ := aliceKB(t)
	broken := testutil.NewHashEmbedder(16).FailWhen(func(string) bool { return true })
	e := New(base, broken, nil, WithRetry(fastRetry))

	_, err := e.Answer(ctx, Request{Text: "Who is Alice?", Mode: "vector_only", OnlyContext: true})
	var ee *ingest.EmbeddingBackendError
	require.ErrorAs(t, err, &ee)

	// Graph retrieval still matches entities by name.
	ans, err := e.Answer(ctx, Request{Text: "Who is Alice?", Mode: "graph_only", OnlyContext: true})
	require.NoError(t, err)
	assert.Contains(t, fragmentIDs(ans.Context), "entity:alice")
}

func TestAnswer_VectorOnlyReturnsPassages(t *testing.T) {
	ctx := testutil.TestContext(t)
	base, emb := aliceKB(t)
	e := New(base, emb, nil, WithRetry(fastRetry))

	ans, err := e.Answer(ctx, Request{Text: aliceText, Mode: "naive", OnlyContext: true})
	require.NoError(t, err)
	require.NotEmpty(t, ans.Context)
	for _, f := range ans.Context {
		assert.Equal(t, KindChunk, f.Kind)
		assert.Equal(t, SourceVector, f.Source)
	}
	assert.Contains(t, ans.Text, "## Passages")
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeHybrid},
		{"hybrid", ModeHybrid},
		{"mix", ModeHybrid},
		{"vector_only", ModeVectorOnly},
		{"naive", ModeVectorOnly},
		{"graph_only", ModeGraphOnly},
		{"local", ModeGraphOnly},
		{" Global ", ModeGraphOnly},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseMode("bm25")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestBudget_TruncatesLoneOversizedFragment(t *testing.T) {
	e := New(nil, nil, nil)
	fs := []Fragment{{ID: "c", Kind: KindChunk, Text: "one two three four five six", Score: 1, VectorScore: 1, Tokens: 6}}

	got := e.budget(fs, params{mode: ModeVectorOnly, budget: 4})
	require.Len(t, got, 1)
	assert.Equal(t, "one two three four", got[0].Text)
	assert.Equal(t, 4, got[0].Tokens)
	assert.True(t, got[0].Truncated)
}

func TestBudget_SkipsFragmentsThatDoNotFit(t *testing.T) {
	e := New(nil, nil, nil)
	fs := []Fragment{
		{ID: "a", Text: "a b c", Score: 0.9, Tokens: 3},
		{ID: "b", Text: "a b c d e", Score: 0.8, Tokens: 5},
		{ID: "c", Text: "a", Score: 0.7, Tokens: 1},
	}
	got := e.budget(fs, params{mode: ModeVectorOnly, budget: 5})
	assert.Equal(t, []string{"a", "c"}, fragmentIDs(got))
}

// pairTokenizer spans one rune at a time and counts two tokens per rune,
// like BPE merging several tokens into one rune-aligned span.
type pairTokenizer struct{}

func (pairTokenizer) Name() string { return "pairs" }

func (pairTokenizer) Spans(text string) ([]chunker.Span, error) {
	var spans []chunker.Span
	for i, r := range text {
		spans = append(spans, chunker.Span{Start: i, End: i + utf8.RuneLen(r)})
	}
	return spans, nil
}

func (pairTokenizer) Count(text string) (int, error) {
	return 2 * utf8.RuneCountInString(text), nil
}

func TestBudget_TruncatesMultiTokenSpans(t *testing.T) {
	e := New(nil, nil, nil, WithTokenizer(pairTokenizer{}))

	cut := e.truncate(Fragment{ID: "c", Text: "東京は日本の首都です", Tokens: 20}, 10)
	assert.Equal(t, "東京は日本", cut.Text)
	assert.Equal(t, 10, cut.Tokens)
	assert.True(t, cut.Truncated)

	got := e.budget([]Fragment{{ID: "c", Kind: KindChunk, Text: "東京は日本の首都です", Score: 1, VectorScore: 1, Tokens: 20}},
		params{mode: ModeVectorOnly, budget: 10})
	require.Len(t, got, 1, "a lone oversized fragment is cut to fit")
	assert.LessOrEqual(t, got[0].Tokens, 10)
}

func TestBudget_HybridReservationWithMultiTokenSpans(t *testing.T) {
	e := New(nil, nil, nil, WithTokenizer(pairTokenizer{}))
	fs := []Fragment{
		{ID: "v", Kind: KindChunk, Text: "アリスはアクメで働く", Score: 0.9, VectorScore: 1, Tokens: 20},
		{ID: "g", Kind: KindEntity, Text: "アクメ株式会社の説明", Score: 0.8, GraphScore: 1, Tokens: 20},
	}
	got := e.budget(fs, params{mode: ModeHybrid, budget: 20})
	assert.ElementsMatch(t, []string{"v", "g"}, fragmentIDs(got))
	total := 0
	for _, f := range got {
		assert.LessOrEqual(t, f.Tokens, 10)
		total += f.Tokens
	}
	assert.LessOrEqual(t, total, 20)
}
