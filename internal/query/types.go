// Package query answers questions from the knowledge base by combining
// vector search over chunks with traversal of the entity graph.
package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects which retrieval sources feed the context.
type Mode string

const (
	ModeVectorOnly Mode = "vector_only"
	ModeGraphOnly  Mode = "graph_only"
	ModeHybrid     Mode = "hybrid"
)

// ErrInvalidMode is returned for an unrecognised mode name.
var ErrInvalidMode = errors.New("invalid query mode")

// ParseMode accepts the mode names and the aliases naive, local, global and
// mix. An empty string is hybrid.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hybrid", "mix":
		return ModeHybrid, nil
	case "vector_only", "vector", "naive":
		return ModeVectorOnly, nil
	case "graph_only", "graph", "local", "global":
		return ModeGraphOnly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) usesVectors() bool { return m != ModeGraphOnly }
func (m Mode) usesGraph() bool   { return m != ModeVectorOnly }

// Kind is what a fragment was built from.
type Kind string

const (
	KindChunk    Kind = "chunk"
	KindEntity   Kind = "entity"
	KindRelation Kind = "relation"
)

// Source records which retrieval produced a fragment.
type Source string

const (
	SourceVector Source = "vector"
	SourceGraph  Source = "graph"
	SourceHybrid Source = "hybrid"
)

// Request is one question. Zero fields take the engine defaults.
type Request struct {
	Text             string        `json:"query"`
	Mode             string        `json:"mode,omitempty"`
	TopK             int           `json:"top_k,omitempty"`
	MaxContextTokens int           `json:"max_context_tokens,omitempty"`
	OnlyContext      bool          `json:"only_need_context,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
}

// Fragment is one piece of assembled context.
type Fragment struct {
	ID          string  `json:"id"`
	Kind        Kind    `json:"kind"`
	Source      Source  `json:"source"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score,omitempty"`
	GraphScore  float64 `json:"graph_score,omitempty"`
	Tokens      int     `json:"tokens"`
	Truncated   bool    `json:"truncated,omitempty"`
}

// Provenance names a fragment that contributed to an answer.
type Provenance struct {
	SourceID string  `json:"source_id"`
	Kind     Kind    `json:"kind"`
	Score    float64 `json:"score"`
}

// Answer is the generated reply and the context it was generated from.
type Answer struct {
	Text       string       `json:"answer"`
	Mode       Mode         `json:"mode"`
	Context    []Fragment   `json:"context"`
	Provenance []Provenance `json:"provenance"`
	Prompt     string       `json:"-"`
}

// NoMatchResponse is the answer when nothing relevant was retrieved.
const NoMatchResponse = "Sorry, I'm not able to provide an answer to that question: no relevant context was found."

// ErrNoKnowledge is returned when the knowledge base holds nothing yet.
var ErrNoKnowledge = errors.New("knowledge base is empty")

// ErrEmptyQuery is returned for a blank question.
var ErrEmptyQuery = errors.New("empty query")

// ErrNoGenerator is the cause of a GenerationError when no generator is
// configured.
var ErrNoGenerator = errors.New("no generator configured")

// GenerationError is a failed or timed-out generator call. It is never
// retried by the engine.
type GenerationError struct {
	Timeout bool
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation timed out: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
