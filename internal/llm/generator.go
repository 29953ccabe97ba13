package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Generator produces answer text from a completion provider.
type Generator struct {
	provider    Provider
	maxTokens   int
	temperature float64
}

// NewGenerator wraps provider. maxTokens of zero uses the provider default.
func NewGenerator(provider Provider, maxTokens int, temperature float64) *Generator {
	return &Generator{provider: provider, maxTokens: maxTokens, temperature: temperature}
}

// Generate sends a single-turn prompt and returns the trimmed reply.
func (g *Generator) Generate(ctx context.Context, system, user string) (string, error) {
	if g.provider == nil {
		return "", errors.New("no completion provider configured")
	}
	opts := WithTemperature(g.temperature)
	if g.maxTokens > 0 {
		opts.MaxTokens = &g.maxTokens
	}
	resp, err := g.provider.Complete(ctx, NewPrompt(system, user), opts)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", g.provider.Name(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}
