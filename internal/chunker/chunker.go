// Package chunker splits document text into bounded, overlapping passages.
//
// Every chunk is an exact substring of the source: Text == text[Start:End].
// Consecutive chunks share Overlap tokens, so the document can be rebuilt by
// appending each chunk's bytes past the previous chunk's End.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEmptyDocument is returned for text with no content to chunk.
var ErrEmptyDocument = errors.New("empty document")

const (
	DefaultMaxTokens = 1200
	DefaultOverlap   = 100
)

// Chunk is one ordered passage of a document.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Start      int    `json:"start"` // byte offset into the document text
	End        int    `json:"end"`
	Tokens     int    `json:"tokens"`
}

// ChunkID is the stable identifier of the index-th chunk of a document.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s-c%04d", documentID, index)
}

// ID returns ChunkID for the chunk.
func (c Chunk) ID() string { return ChunkID(c.DocumentID, c.Index) }

// Chunker is safe for concurrent use.
type Chunker struct {
	maxTokens int
	overlap   int
	tokenizer Tokenizer
}

// Option configures the chunker.
type Option func(*Chunker)

// WithMaxTokens sets the hard cap on tokens per chunk.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlap sets the number of tokens shared by consecutive chunks.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithTokenizer replaces the default word tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// New creates a chunker. An overlap that is not below the chunk size is
// clamped to a quarter of it.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
		tokenizer: Words{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxTokens {
		c.overlap = c.maxTokens / 4
	}
	return c
}

func (c *Chunker) MaxTokens() int       { return c.maxTokens }
func (c *Chunker) Overlap() int         { return c.overlap }
func (c *Chunker) Tokenizer() Tokenizer { return c.tokenizer }

// Chunk splits text into chunks tagged with documentID.
func (c *Chunker) Chunk(documentID, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}
	spans, err := c.tokenizer.Spans(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	if len(spans) == 0 {
		return nil, ErrEmptyDocument
	}

	n := len(spans)
	var chunks []Chunk
	for s := 0; ; {
		e := c.windowEnd(text, spans, s)
		start, end := spans[s].Start, spans[e-1].End
		chunks = append(chunks, Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Text:       text[start:end],
			Start:      start,
			End:        end,
			Tokens:     e - s,
		})
		if e == n {
			return chunks, nil
		}
		// windowEnd guarantees e > s+overlap, so s strictly advances.
		s = e - c.overlap
	}
}

// windowEnd picks the exclusive end token for a window starting at s. It
// prefers the last paragraph break, then the last sentence end, inside
// (s+overlap, s+maxTokens], and falls back to the hard cap.
func (c *Chunker) windowEnd(text string, spans []Span, s int) int {
	n := len(spans)
	limit := s + c.maxTokens
	if limit >= n {
		return n
	}
	sentence := 0
	for e := limit; e > s+c.overlap; e-- {
		switch boundaryAt(text, spans[e].Start) {
		case paragraphBoundary:
			return e
		case sentenceBoundary:
			if sentence == 0 {
				sentence = e
			}
		}
	}
	if sentence > 0 {
		return sentence
	}
	return limit
}

type boundary int

const (
	noBoundary boundary = iota
	sentenceBoundary
	paragraphBoundary
)

// boundaryAt classifies the whitespace run touching byte offset pos.
func boundaryAt(text string, pos int) boundary {
	lo := pos
	for lo > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:lo])
		if !unicode.IsSpace(r) {
			break
		}
		lo -= size
	}
	hi := pos
	for hi < len(text) {
		r, size := utf8.DecodeRuneInString(text[hi:])
		if !unicode.IsSpace(r) {
			break
		}
		hi += size
	}
	if lo == hi {
		return noBoundary
	}
	if strings.Count(text[lo:hi], "\n") >= 2 {
		return paragraphBoundary
	}
	if lo == 0 {
		return noBoundary
	}
	r, _ := utf8.DecodeLastRuneInString(text[:lo])
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return sentenceBoundary
	}
	return noBoundary
}
