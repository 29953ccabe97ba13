// Package anthropic is an llm.Provider over the Anthropic Messages API. It
// completes only; pair it with an embedding provider.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/efebarandurmaz/kiln/internal/observability"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func New(apiKey, model, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) request(prompt *llm.Prompt, opts *llm.RequestOptions) messagesRequest {
	req := messagesRequest{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		System:    prompt.SystemPrompt,
		Messages:  make([]message, 0, len(prompt.Messages)),
	}
	for _, m := range prompt.Messages {
		// The Messages API takes the system prompt out of band.
		if m.Role == llm.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, message{Role: string(m.Role), Content: m.Content})
	}
	if opts != nil {
		if opts.MaxTokens != nil {
			req.MaxTokens = *opts.MaxTokens
		}
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.StopSequences = opts.StopSeqs
	}
	return req
}

func (c *Client) Complete(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (_ *llm.Response, err error) {
	ctx, span := observability.StartLLMSpan(ctx, c.Name(), "complete")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", apiVersion)

	var out messagesResponse
	if err := llm.PostJSON(ctx, c.http, c.Name(), c.baseURL+"/messages", header, c.request(prompt, opts), &out); err != nil {
		return nil, err
	}
	observability.RecordLLMTokens(span, out.Usage.InputTokens, out.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Content:      text.String(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		StopReason:   out.StopReason,
	}, nil
}

func (c *Client) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: %w, configure llm.embedding.provider", llm.ErrEmbeddingUnsupported)
}
