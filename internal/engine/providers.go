package engine

import (
	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/efebarandurmaz/kiln/internal/llm/anthropic"
	"github.com/efebarandurmaz/kiln/internal/llm/openai"
)

// NewFactory returns a provider factory with every built-in backend
// registered: anthropic, openai and the OpenAI-compatible presets.
func NewFactory() *llm.ProviderFactory {
	factory := llm.NewFactory()
	factory.Register("anthropic", func(c llm.ProviderConfig) (llm.Provider, error) {
		return anthropic.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	factory.Register("openai", func(c llm.ProviderConfig) (llm.Provider, error) {
		return openai.New(c.APIKey, c.Model, c.BaseURL, c.EmbedModel), nil
	})
	for _, p := range []struct{ name, url string }{
		{"groq", llm.KnownProviders["groq"]},
		{"huggingface", llm.KnownProviders["huggingface"]},
		{"ollama", llm.KnownProviders["ollama"]},
		{"together", llm.KnownProviders["together"]},
		{"deepseek", llm.KnownProviders["deepseek"]},
		{"custom", ""},
	} {
		factory.Register(p.name, func(c llm.ProviderConfig) (llm.Provider, error) {
			base := c.BaseURL
			if base == "" {
				base = p.url
			}
			embedModel := c.EmbedModel
			if embedModel == "" {
				embedModel = llm.DefaultEmbedModels[p.name]
			}
			return openai.New(c.APIKey, c.Model, base, embedModel), nil
		})
	}
	return factory
}

// ProviderConfig maps the llm config section onto a factory config.
func ProviderConfig(c config.LLMConfig) llm.ProviderConfig {
	pc := llm.DefaultProviderConfig()
	pc.Provider = c.Provider
	pc.APIKey = c.APIKey
	pc.Model = c.Model
	pc.BaseURL = c.BaseURL
	pc.EmbedModel = c.EmbedModel
	if pc.EmbedModel == "" {
		pc.EmbedModel = llm.DefaultEmbedModels[c.Provider]
	}
	if c.Timeout > 0 {
		pc.Timeout = c.Timeout
	}
	if c.MaxRetries >= 0 {
		pc.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		pc.RetryDelay = c.RetryDelay
	}
	pc.RequestsPerMinute = c.RequestsPerMinute
	return pc
}
