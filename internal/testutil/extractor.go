package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/efebarandurmaz/kiln/internal/extract"
)

// RuleExtractor treats capitalized words as entities and links the two
// entities of any sentence that names exactly two. Sentence-initial
// question words are not entities.
type RuleExtractor struct {
	mu      sync.Mutex
	failFn  func(chunkID string) bool
	failErr error
	calls   atomic.Int64
}

func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

// FailWhen makes Extract fail for chunks selected by fn.
func (r *RuleExtractor) FailWhen(fn func(chunkID string) bool) *RuleExtractor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFn = fn
	if r.failErr == nil {
		r.failErr = ErrInjected
	}
	return r
}

// FailAll makes every extraction fail.
func (r *RuleExtractor) FailAll() *RuleExtractor {
	return r.FailWhen(func(string) bool { return true })
}

func (r *RuleExtractor) Calls() int64 { return r.calls.Load() }

var questionWords = map[string]bool{
	"Who": true, "What": true, "Where": true, "When": true, "Why": true, "How": true, "Which": true,
	"The": true, "A": true, "An": true, "It": true, "This": true, "That": true,
}

func (r *RuleExtractor) Extract(ctx context.Context, chunkID, text string) (*extract.Result, error) {
	r.calls.Add(1)
	r.mu.Lock()
	failFn, failErr := r.failFn, r.failErr
	r.mu.Unlock()
	if failFn != nil && failFn(chunkID) {
		return nil, &extract.BackendError{ChunkID: chunkID, Err: failErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &extract.BackendError{ChunkID: chunkID, Err: err}
	}

	res := &extract.Result{}
	for _, sentence := range Sentences(text) {
		names := CapitalizedNames(sentence)
		for _, n := range names {
			res.Entities = append(res.Entities, extract.Entity{Name: n, Type: "entity", Description: sentence})
		}
		if len(names) == 2 {
			res.Relations = append(res.Relations, extract.Relation{
				Source:      names[0],
				Target:      names[1],
				Description: sentence,
				Weight:      1,
			})
		}
	}
	return res, nil
}

// Sentences splits text after '.', '!' or '?'.
func Sentences(text string) []string {
	var out []string
	start := 0
	for i, c := range text {
		if c == '.' || c == '!' || c == '?' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// CapitalizedNames returns the distinct capitalized words of a sentence in
// order of first appearance.
func CapitalizedNames(sentence string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(sentence) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w == "" || questionWords[w] {
			continue
		}
		if first := []rune(w)[0]; !unicode.IsUpper(first) {
			continue
		}
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

var _ extract.Extractor = (*RuleExtractor)(nil)
