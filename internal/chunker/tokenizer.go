package chunker

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Span is a token's byte range in the source text.
type Span struct {
	Start int
	End   int
}

// Tokenizer splits text into spans that partition it: the first span starts
// at 0, each span ends where the next begins, and the last ends at len(text).
// Whitespace-only text yields no spans.
type Tokenizer interface {
	Name() string
	Spans(text string) ([]Span, error)
	Count(text string) (int, error)
}

// Words treats every run of non-space characters as one token. Trailing
// whitespace belongs to the preceding token; leading whitespace to the first.
type Words struct{}

func (Words) Name() string { return "words" }

func (Words) Spans(text string) ([]Span, error) {
	var starts []int
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			starts = append(starts, i)
		}
		inWord = !space
	}
	if len(starts) == 0 {
		return nil, nil
	}
	spans := make([]Span, len(starts))
	for i := range starts {
		start := starts[i]
		if i == 0 {
			start = 0
		}
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		spans[i] = Span{Start: start, End: end}
	}
	return spans, nil
}

func (Words) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// Tiktoken counts BPE tokens with a tiktoken encoding such as cl100k_base.
// The encoding is loaded on first use.
type Tiktoken struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktoken returns a tokenizer for the named encoding.
func NewTiktoken(encoding string) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Tiktoken{encoding: encoding}
}

func (t *Tiktoken) Name() string { return "tiktoken:" + t.encoding }

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Spans decodes each token to recover its byte length. A token that ends in
// the middle of a multi-byte rune is merged with its successor so every span
// boundary is a rune boundary.
func (t *Tiktoken) Spans(text string) ([]Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	ids := t.enc.Encode(text, nil, nil)
	spans := make([]Span, 0, len(ids))
	start, pos := 0, 0
	for _, id := range ids {
		pos += len(t.enc.Decode([]int{id}))
		if pos > len(text) {
			pos = len(text)
		}
		if pos < len(text) && !utf8.RuneStart(text[pos]) {
			continue
		}
		if pos > start {
			spans = append(spans, Span{Start: start, End: pos})
			start = pos
		}
	}
	if start < len(text) {
		if len(spans) == 0 {
			spans = append(spans, Span{Start: start, End: len(text)})
		} else {
			spans[len(spans)-1].End = len(text)
		}
	}
	return spans, nil
}

func (t *Tiktoken) Count(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// ParseTokenizer resolves "words" or "tiktoken[:encoding]".
func ParseTokenizer(name string) (Tokenizer, error) {
	switch {
	case name == "" || name == "words":
		return Words{}, nil
	case name == "tiktoken":
		return NewTiktoken(""), nil
	case strings.HasPrefix(name, "tiktoken:"):
		return NewTiktoken(strings.TrimPrefix(name, "tiktoken:")), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}
