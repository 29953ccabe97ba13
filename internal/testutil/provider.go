package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/efebarandurmaz/kiln/internal/llm"
)

// MockProvider is an llm.Provider with scripted completions and hashed
// embeddings.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	response string
	respond  func(prompt *llm.Prompt) (string, error)
	err      error
	delay    time.Duration
	dim      int
	prompts  []*llm.Prompt
	embedder *HashEmbedder
}

// NewMockProvider answers "ok" and embeds with dimension 32.
func NewMockProvider() *MockProvider {
	return &MockProvider{name: "mock", response: "ok", dim: 32, embedder: NewHashEmbedder(32)}
}

func (m *MockProvider) WithResponse(s string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = s
	return m
}

// WithResponder computes each completion from the prompt.
func (m *MockProvider) WithResponder(fn func(prompt *llm.Prompt) (string, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
	return m
}

func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay makes Complete wait, honoring cancellation.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockProvider) WithDimension(dim int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dim = dim
	m.embedder = NewHashEmbedder(dim)
	return m
}

func (m *MockProvider) Name() string { return m.name }

// Prompts returns the prompts received by Complete.
func (m *MockProvider) Prompts() []*llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.Prompt(nil), m.prompts...)
}

func (m *MockProvider) Complete(ctx context.Context, prompt *llm.Prompt, _ *llm.RequestOptions) (*llm.Response, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	delay, err, respond, response := m.delay, m.err, m.respond, m.response
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if respond != nil {
		s, err := respond(prompt)
		if err != nil {
			return nil, err
		}
		response = s
	}
	return &llm.Response{Content: response, Model: m.name, StopReason: "stop"}, nil
}

func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	e := m.embedder
	m.mu.Unlock()
	return e.Embed(ctx, texts)
}

var _ llm.Provider = (*MockProvider)(nil)
