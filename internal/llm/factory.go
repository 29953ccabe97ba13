package llm

import (
	"fmt"
	"sort"
	"time"
)

// ProviderConfig is everything needed to build one provider.
type ProviderConfig struct {
	Provider   string // registered name; "" or "none" disables the model
	APIKey     string
	Model      string
	BaseURL    string
	EmbedModel string

	Timeout    time.Duration // per attempt
	MaxRetries int
	RetryDelay time.Duration

	// RequestsPerMinute enables client-side rate limiting when positive.
	RequestsPerMinute int
}

// DefaultProviderConfig returns the timeout and retry defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// ProviderConstructor builds a bare Provider from config.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// ProviderFactory maps provider names to constructors.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

func NewFactory() *ProviderFactory {
	return &ProviderFactory{constructors: make(map[string]ProviderConstructor)}
}

// Register adds or replaces the constructor for name.
func (f *ProviderFactory) Register(name string, ctor ProviderConstructor) {
	f.constructors[name] = ctor
}

// Create builds the named provider and layers rate limiting and retries on
// top as configured. It returns (nil, nil) for "" and "none".
// Retry wraps the limiter so every attempt is metered.
func (f *ProviderFactory) Create(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return nil, nil
	}
	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q, registered: %v", cfg.Provider, f.Names())
	}
	p, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, err)
	}

	if cfg.RequestsPerMinute > 0 {
		p = NewRateLimitProvider(p, &RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         max(1, cfg.RequestsPerMinute/6),
		})
	}
	if cfg.Timeout > 0 || cfg.MaxRetries > 0 {
		p = WrapWithRetry(p, cfg)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (f *ProviderFactory) Names() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownProviders maps built-in preset names to their default base URLs.
// Any other OpenAI-compatible server works as "openai" with a base_url.
var KnownProviders = map[string]string{
	"anthropic":   "https://api.anthropic.com/v1",
	"openai":      "https://api.openai.com/v1",
	"groq":        "https://api.groq.com/openai/v1",
	"huggingface": "https://api-inference.huggingface.co/v1",
	"ollama":      "http://localhost:11434/v1",
	"together":    "https://api.together.xyz/v1",
	"deepseek":    "https://api.deepseek.com/v1",
}

// DefaultEmbedModels is the embedding model used when none is configured.
// Providers missing from the map do not serve embeddings.
var DefaultEmbedModels = map[string]string{
	"openai":   "text-embedding-3-small",
	"ollama":   "nomic-embed-text",
	"together": "togethercomputer/m2-bert-80M-8k-retrieval",
}
