package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Timeout:    time.Second,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	want := RetryConfig{MaxRetries: 8, RetryDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Timeout: 2 * time.Minute}
	if *cfg != want {
		t.Errorf("unexpected defaults: %+v", *cfg)
	}
	if got := NewRetryProvider(newScripted("p"), nil).config.MaxRetries; got != 8 {
		t.Errorf("nil config should fall back to defaults, got %d retries", got)
	}
}

func TestRetryProvider_Complete(t *testing.T) {
	tests := []struct {
		name      string
		fails     []error
		retries   int
		wantErr   string
		wantCalls int64
	}{
		{name: "first try", wantCalls: 1, retries: 3},
		{
			name:      "server errors then success",
			fails:     []error{&StatusError{Code: 503}, &StatusError{Code: 502}},
			retries:   3,
			wantCalls: 3,
		},
		{
			name:      "rate limited then success",
			fails:     []error{&StatusError{Code: 429, Body: "slow down"}},
			retries:   3,
			wantCalls: 2,
		},
		{
			name:      "bad request is final",
			fails:     []error{&StatusError{Code: 400, Body: "bad prompt"}},
			retries:   3,
			wantErr:   "non-retryable",
			wantCalls: 1,
		},
		{
			name:      "daily token quota is final",
			fails:     []error{&StatusError{Code: 429, Body: "Rate limit reached for tokens per day (TPD)"}},
			retries:   3,
			wantErr:   "non-retryable",
			wantCalls: 1,
		},
		{
			name:      "exhausted",
			fails:     []error{&StatusError{Code: 500}, &StatusError{Code: 500}, &StatusError{Code: 500}},
			retries:   2,
			wantErr:   "max retries (2) exceeded",
			wantCalls: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := newScripted("p", tt.fails...)
			resp, err := NewRetryProvider(inner, fastRetry(tt.retries)).Complete(context.Background(), NewPrompt("", "q"), nil)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if resp.Content != "ok" {
					t.Errorf("unexpected content %q", resp.Content)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if got := inner.calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestRetryProvider_ErrorUnwrapsToStatus(t *testing.T) {
	inner := newScripted("p", &StatusError{Provider: "p", Code: 401})
	_, err := NewRetryProvider(inner, fastRetry(2)).Complete(context.Background(), NewPrompt("", "q"), nil)

	var se *StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("expected wrapped 401 StatusError, got %v", err)
	}
}

func TestRetryProvider_Cancelled(t *testing.T) {
	inner := newScripted("p", &StatusError{Code: 503}, &StatusError{Code: 503}, &StatusError{Code: 503})
	cfg := fastRetry(5)
	cfg.RetryDelay, cfg.MaxDelay = time.Second, time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRetryProvider(inner, cfg).Complete(ctx, NewPrompt("", "q"), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected parent deadline, got %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("expected one call before the deadline, got %d", inner.calls.Load())
	}
}

func TestRetryProvider_AttemptTimeoutRetries(t *testing.T) {
	inner := newScripted("p")
	inner.delay = 30 * time.Millisecond
	cfg := fastRetry(1)
	cfg.Timeout = 10 * time.Millisecond

	_, err := NewRetryProvider(inner, cfg).Complete(context.Background(), NewPrompt("", "q"), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected attempt deadline, got %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("timed out attempt should be retried once, got %d calls", inner.calls.Load())
	}
}

func TestRetryProvider_Embed(t *testing.T) {
	inner := newScripted("p", &StatusError{Code: 504})
	vecs, err := NewRetryProvider(inner, fastRetry(2)).Embed(context.Background(), []string{"ab", "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 3 {
		t.Errorf("unexpected vectors %v", vecs)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", inner.calls.Load())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 529}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 429, Body: "TPD exhausted"}, false},
		{&StatusError{Code: 404}, false},
		{errors.New("upstream said 503 Service Unavailable"), true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("429: tokens per day"), false},
		{errors.New("401 Unauthorized"), false},
		{errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryConfig_NewBackOff(t *testing.T) {
	b := (&RetryConfig{RetryDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}).NewBackOff()

	// Doubling with 20% jitter, then capped.
	bounds := []struct{ lo, hi time.Duration }{
		{80 * time.Millisecond, 120 * time.Millisecond},
		{160 * time.Millisecond, 240 * time.Millisecond},
		{240 * time.Millisecond, 360 * time.Millisecond},
		{240 * time.Millisecond, 360 * time.Millisecond},
	}
	for i, bnd := range bounds {
		if d := b.NextBackOff(); d < bnd.lo || d > bnd.hi {
			t.Errorf("interval %d = %v, want [%v, %v]", i, d, bnd.lo, bnd.hi)
		}
	}
}

func TestWrapWithRetry(t *testing.T) {
	if WrapWithRetry(nil, ProviderConfig{}) != nil {
		t.Error("nil provider should stay nil")
	}

	p := WrapWithRetry(newScripted("p"), ProviderConfig{Timeout: 3 * time.Minute, MaxRetries: 5, RetryDelay: 2 * time.Second})
	r, ok := p.(*RetryProvider)
	if !ok {
		t.Fatalf("expected *RetryProvider, got %T", p)
	}
	if r.config.Timeout != 3*time.Minute || r.config.MaxRetries != 5 || r.config.RetryDelay != 2*time.Second {
		t.Errorf("config not carried over: %+v", r.config)
	}

	r = WrapWithRetry(newScripted("p"), ProviderConfig{}).(*RetryProvider)
	if r.config.MaxRetries != 3 || r.config.Timeout != 2*time.Minute || r.config.RetryDelay != time.Second {
		t.Errorf("unexpected fallback config: %+v", r.config)
	}
}
