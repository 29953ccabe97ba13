package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// scriptedProvider fails with each queued error in turn, then succeeds.
type scriptedProvider struct {
	name   string
	reply  string
	tokens int // split evenly between input and output
	delay  time.Duration
	vecs   [][]float32

	mu    sync.Mutex
	fails []error
	calls atomic.Int64
}

func newScripted(name string, fails ...error) *scriptedProvider {
	return &scriptedProvider{name: name, reply: "ok", fails: fails}
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) next(ctx context.Context) error {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fails) == 0 {
		return nil
	}
	err := s.fails[0]
	s.fails = s.fails[1:]
	return err
}

func (s *scriptedProvider) Complete(ctx context.Context, _ *Prompt, _ *RequestOptions) (*Response, error) {
	if err := s.next(ctx); err != nil {
		return nil, err
	}
	return &Response{Content: s.reply, InputTokens: s.tokens / 2, OutputTokens: s.tokens / 2}, nil
}

func (s *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.next(ctx); err != nil {
		return nil, err
	}
	if s.vecs != nil {
		return s.vecs, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}
