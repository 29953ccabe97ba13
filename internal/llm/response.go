package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response wraps an LLM completion result.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// ErrEmbeddingUnsupported is returned by providers without an embedding API.
var ErrEmbeddingUnsupported = errors.New("embedding not supported")

// StatusError is a non-200 reply from a provider API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), e.Body)
}

// Retryable reports whether the same request may succeed later: rate limits
// other than daily token quotas, and server errors.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return !strings.Contains(e.Body, "tokens per day") && !strings.Contains(e.Body, "TPD")
	case e.Code >= 500:
		return true
	}
	return false
}

const maxResponseBytes = 32 << 20

// PostJSON posts body as JSON and decodes a 200 reply into out. Other
// statuses are returned as *StatusError.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", provider, err)
	}
	return nil
}
