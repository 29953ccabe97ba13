package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures retry behavior for LLM calls.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts (0 = no retries)
	RetryDelay time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries (caps exponential backoff)
	Timeout    time.Duration // Per-request timeout
}

// DefaultRetryConfig returns a sensible default configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 8,
		RetryDelay: 2 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    2 * time.Minute,
	}
}

// NewBackOff returns the exponential schedule described by the config.
func (c *RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// RetryProvider wraps a Provider with timeout and retry logic.
type RetryProvider struct {
	inner  Provider
	config *RetryConfig
}

// NewRetryProvider wraps an existing provider with retry logic.
func NewRetryProvider(inner Provider, config *RetryConfig) *RetryProvider {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryProvider{
		inner:  inner,
		config: config,
	}
}

// Name returns the underlying provider name.
func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

// Complete sends a prompt with timeout and retry logic.
func (r *RetryProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	return retry(ctx, r.config, func(attemptCtx context.Context) (*Response, error) {
		return r.inner.Complete(attemptCtx, prompt, opts)
	})
}

// Embed sends an embedding request with timeout and retry logic.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retry(ctx, r.config, func(attemptCtx context.Context) ([][]float32, error) {
		return r.inner.Embed(attemptCtx, texts)
	})
}

func retry[T any](ctx context.Context, cfg *RetryConfig, call func(context.Context) (T, error)) (T, error) {
	attempts := 0
	op := func() (T, error) {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		defer cancel()

		out, err := call(attemptCtx)
		if err == nil {
			return out, nil
		}
		// Parent cancellation ends the loop regardless of the error kind.
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if !IsRetryable(err) {
			return out, backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if attempts > cfg.MaxRetries && IsRetryable(err) {
		return out, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, err)
	}
	return out, err
}

// IsRetryable reports whether err is worth another attempt. Deadlines,
// network timeouts, rate limits and server errors are; cancellation, client
// errors and daily token quotas are not.
func IsRetryable(err error) bool {
	var (
		statusErr *StatusError
		netErr    net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &statusErr):
		return statusErr.Retryable()
	case errors.As(err, &netErr):
		return netErr.Timeout()
	}
	return retryableText(err.Error())
}

var statusCodeText = regexp.MustCompile(`\b(40[0134]|429|50[0234])\b`)

// retryableText classifies errors that only carry a status in their message,
// such as those from SDKs wrapping the HTTP reply. Unknown errors retry.
func retryableText(msg string) bool {
	code := 0
	if m := statusCodeText.FindString(msg); m != "" {
		code, _ = strconv.Atoi(m)
	} else if strings.Contains(msg, http.StatusText(http.StatusTooManyRequests)) {
		code = http.StatusTooManyRequests
	}
	if code == 0 {
		return true
	}
	return (&StatusError{Code: code, Body: msg}).Retryable()
}

// WrapWithRetry wraps a provider with retry logic from config.
func WrapWithRetry(provider Provider, cfg ProviderConfig) Provider {
	if provider == nil {
		return nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 && cfg.Timeout == 0 {
		// Only use default if neither was explicitly set
		maxRetries = 3
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 1 * time.Second
	}

	return NewRetryProvider(provider, &RetryConfig{
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		MaxDelay:   30 * time.Second,
		Timeout:    timeout,
	})
}
