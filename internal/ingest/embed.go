package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/efebarandurmaz/kiln/internal/vector"
)

// EmbeddingBackendError is returned when the embedder still fails after
// every retry. IDs names the chunks (or the query) that were not embedded.
type EmbeddingBackendError struct {
	IDs      []string
	Attempts int
	Err      error
}

func (e *EmbeddingBackendError) Error() string {
	return fmt.Sprintf("embedding backend failed for %s after %d attempts: %v",
		strings.Join(e.IDs, ", "), e.Attempts, e.Err)
}

func (e *EmbeddingBackendError) Unwrap() error { return e.Err }

// Retry is the exponential schedule for embedding calls.
type Retry struct {
	Retries  int
	Base     time.Duration
	MaxDelay time.Duration
}

// DefaultRetry retries four times starting at 200ms.
func DefaultRetry() Retry {
	return Retry{Retries: 4, Base: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (r Retry) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if r.Base > 0 {
		b.InitialInterval = r.Base
	}
	if r.MaxDelay > 0 {
		b.MaxInterval = r.MaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Embed calls e with retries. A vector whose length differs from dim (when
// dim is positive) fails with *vector.DimensionMismatchError and is not
// retried. Exhausted retries give *EmbeddingBackendError.
func Embed(ctx context.Context, e vector.Embedder, ids, texts []string, dim int, policy Retry) ([][]float32, error) {
	attempts := 0
	op := func() ([][]float32, error) {
		attempts++
		out, err := e.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			var dm *vector.DimensionMismatchError
			if errors.As(err, &dm) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if len(out) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(out), len(texts))
		}
		for i, v := range out {
			if err := vector.CheckDimension(ids[i], v, dim); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(max(policy.Retries, 0)+1)),
	)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var dm *vector.DimensionMismatchError
	if errors.As(err, &dm) {
		return nil, err
	}
	return nil, &EmbeddingBackendError{IDs: ids, Attempts: attempts, Err: err}
}
