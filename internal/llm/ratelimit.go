package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures rate limiting for LLM providers.
type RateLimitConfig struct {
	// RequestsPerMinute limits the number of API calls per minute (0 = unlimited)
	RequestsPerMinute int
	// TokensPerMinute limits total tokens per minute (0 = unlimited)
	TokensPerMinute int
	// BurstSize allows temporary burst above the rate limit
	BurstSize int
}

// DefaultRateLimitConfig returns sensible defaults for most providers.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 25,    // conservative for free-tier cloud APIs (Groq etc.)
		TokensPerMinute:   25000, // Groq free tier: 6K-30K TPM depending on model
		BurstSize:         3,
	}
}

// RateLimitProvider wraps a provider with request and token budgets.
// Token usage is charged after each completion, so a large response delays
// the next call rather than the current one.
type RateLimitProvider struct {
	inner  Provider
	config *RateLimitConfig

	requests *rate.Limiter // nil when unlimited
	tokens   *rate.Limiter // nil when unlimited

	mu               sync.Mutex
	requestsInWindow int
	tokensInWindow   int
	windowStart      time.Time
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	r := &RateLimitProvider{
		inner:       inner,
		config:      config,
		windowStart: time.Now(),
	}
	if config.RequestsPerMinute > 0 {
		burst := config.BurstSize
		if burst <= 0 {
			burst = 1
		}
		r.requests = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), burst)
	}
	if config.TokensPerMinute > 0 {
		r.tokens = rate.NewLimiter(rate.Limit(float64(config.TokensPerMinute)/60.0), config.TokensPerMinute)
	}
	return r
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Complete rate-limits and delegates to the inner provider.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}

	resp, err := r.inner.Complete(ctx, prompt, opts)
	if err == nil && resp != nil {
		r.trackTokenUsage(resp.InputTokens + resp.OutputTokens)
	}
	return resp, err
}

// Embed rate-limits and delegates to the inner provider, charging an
// estimate of the input tokens.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}
	vecs, err := r.inner.Embed(ctx, texts)
	if err == nil {
		r.trackTokenUsage(estimateTokens(texts))
	}
	return vecs, err
}

// estimateTokens approximates embedding input size at four bytes per token.
// Embedding APIs do not all report usage.
func estimateTokens(texts []string) int {
	n := 0
	for _, t := range texts {
		n += (len(t) + 3) / 4
	}
	return n
}

// waitForCapacity blocks until both budgets allow a request.
func (r *RateLimitProvider) waitForCapacity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.requests != nil {
		if err := r.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if r.tokens != nil {
		// Waits out any debt left by the previous responses.
		if err := r.tokens.Wait(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.rollWindow()
	r.requestsInWindow++
	r.mu.Unlock()
	return nil
}

func (r *RateLimitProvider) trackTokenUsage(tokens int) {
	if r.tokens != nil && tokens > 0 {
		n := tokens
		if n > r.tokens.Burst() {
			n = r.tokens.Burst()
		}
		r.tokens.ReserveN(time.Now(), n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindow()
	r.tokensInWindow += tokens
}

// rollWindow resets the per-minute counters. Caller holds mu.
func (r *RateLimitProvider) rollWindow() {
	now := time.Now()
	if now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.requestsInWindow = 0
		r.tokensInWindow = 0
	}
}

// Stats returns current rate limiting statistics.
func (r *RateLimitProvider) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RateLimitStats{
		RequestsInWindow: r.requestsInWindow,
		TokensInWindow:   r.tokensInWindow,
		WindowStart:      r.windowStart,
	}
	if r.requests != nil {
		stats.RemainingRequests = max(0, int(r.requests.Tokens()))
	}
	if r.tokens != nil {
		stats.RemainingTokens = max(0, int(r.tokens.Tokens()))
	}
	return stats
}

// RateLimitStats contains rate limiting statistics.
type RateLimitStats struct {
	RequestsInWindow  int
	TokensInWindow    int
	RemainingRequests int
	RemainingTokens   int
	WindowStart       time.Time
}

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
