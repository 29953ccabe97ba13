// Package extract proposes entities and relations for a chunk of text.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/kiln/internal/llm"
	"go.uber.org/zap"
)

// Entity is a proposed graph node.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relation is a proposed edge between two entity names.
type Relation struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
	Weight      float64  `json:"weight,omitempty"`
}

// Result is everything extracted from one chunk.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Extractor turns chunk text into entities and relations. Errors are
// reported as *BackendError.
type Extractor interface {
	Extract(ctx context.Context, chunkID, text string) (*Result, error)
}

// BackendError is an extraction failure for one chunk. It is not fatal to
// ingestion: the chunk is kept without graph contributions.
type BackendError struct {
	ChunkID string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("extraction backend error for chunk %s: %v", e.ChunkID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// AsBackendError returns err as a *BackendError for chunkID, wrapping it if
// needed. A nil err stays nil.
func AsBackendError(chunkID string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{ChunkID: chunkID, Err: err}
}

// DefaultEntityTypes guide the extraction prompt.
var DefaultEntityTypes = []string{"person", "organization", "location", "event", "concept", "product"}

const systemPrompt = `You extract a knowledge graph from text.
Return only a JSON object with two arrays:
  "entities": objects with "name", "type" (one of: %s), "description"
  "relations": objects with "source", "target", "description", "keywords" (array of short strings), "weight" (1-10, strength of the relation)
Every relation source and target must be the name of an extracted entity.
Use names exactly as they appear in the text. Do not invent facts.`

// LLM extracts with a completion provider.
type LLM struct {
	provider    llm.Provider
	logger      *zap.Logger
	entityTypes []string
	maxTokens   int
}

// Option configures the LLM extractor.
type Option func(*LLM)

func WithEntityTypes(types []string) Option {
	return func(l *LLM) {
		if len(types) > 0 {
			l.entityTypes = types
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(l *LLM) { l.maxTokens = n }
}

// NewLLM creates an extractor backed by provider.
func NewLLM(provider llm.Provider, logger *zap.Logger, opts ...Option) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &LLM{
		provider:    provider,
		logger:      logger.With(zap.String("component", "extract")),
		entityTypes: DefaultEntityTypes,
		maxTokens:   2048,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LLM) Extract(ctx context.Context, chunkID, text string) (*Result, error) {
	prompt := llm.NewPrompt(
		fmt.Sprintf(systemPrompt, strings.Join(l.entityTypes, ", ")),
		"Text:\n"+text,
	)
	opts := llm.WithTemperature(0)
	opts.MaxTokens = &l.maxTokens

	resp, err := l.provider.Complete(ctx, prompt, opts)
	if err != nil {
		return nil, &BackendError{ChunkID: chunkID, Err: err}
	}
	res, err := Parse(resp.Content)
	if err != nil {
		l.logger.Debug("unparsable extraction reply",
			zap.String("chunk_id", chunkID),
			zap.Int("reply_bytes", len(resp.Content)))
		return nil, &BackendError{ChunkID: chunkID, Err: err}
	}
	return res, nil
}

// Parse reads an extraction reply, tolerating thinking tags, code fences and
// prose around the JSON object. Entries without names are dropped.
func Parse(reply string) (*Result, error) {
	body, ok := llm.ExtractJSONObject(reply)
	if !ok {
		return nil, errors.New("no JSON object in reply")
	}
	var raw Result
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decoding extraction: %w", err)
	}

	res := &Result{}
	for _, e := range raw.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		e.Type = strings.TrimSpace(e.Type)
		e.Description = strings.TrimSpace(e.Description)
		res.Entities = append(res.Entities, e)
	}
	for _, r := range raw.Relations {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		if r.Source == "" || r.Target == "" {
			continue
		}
		if r.Weight < 0 {
			r.Weight = 0
		}
		r.Description = strings.TrimSpace(r.Description)
		res.Relations = append(res.Relations, r)
	}
	return res, nil
}

var _ Extractor = (*LLM)(nil)
