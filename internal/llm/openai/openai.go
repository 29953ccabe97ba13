// Package openai is an llm.Provider for OpenAI-compatible chat and embedding
// APIs: OpenAI itself, Ollama, vLLM, Groq and similar servers.
package openai

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
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultEmbedModel = "text-embedding-3-small"
	defaultMaxTokens  = 4096
)

// Client talks to one OpenAI-compatible server. An empty API key omits the
// Authorization header for local servers.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	embedModel string
	http       *http.Client
}

func New(apiKey, model, baseURL, embedModel string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		http:       &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) Complete(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (_ *llm.Response, err error) {
	ctx, span := observability.StartLLMSpan(ctx, c.Name(), "complete")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	req := chatRequest{Model: c.model, MaxTokens: defaultMaxTokens}
	if prompt.SystemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: string(llm.RoleSystem), Content: prompt.SystemPrompt})
	}
	for _, m := range prompt.Messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if opts != nil {
		if opts.MaxTokens != nil {
			req.MaxTokens = *opts.MaxTokens
		}
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.Stop = opts.StopSeqs
	}

	var out chatResponse
	if err := llm.PostJSON(ctx, c.http, c.Name(), c.baseURL+"/chat/completions", c.header(), req, &out); err != nil {
		return nil, err
	}
	observability.RecordLLMTokens(span, out.Usage.PromptTokens, out.Usage.CompletionTokens)

	resp := &llm.Response{
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}
	if len(out.Choices) > 0 {
		resp.Content = out.Choices[0].Message.Content
		resp.StopReason = out.Choices[0].FinishReason
	}
	return resp, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, texts []string) (_ [][]float32, err error) {
	ctx, span := observability.StartLLMSpan(ctx, c.Name(), "embed")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	var out embedResponse
	if err := llm.PostJSON(ctx, c.http, c.Name(), c.baseURL+"/embeddings", c.header(),
		embedRequest{Model: c.embedModel, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs", len(out.Data), len(texts))
	}

	// Servers may return items out of order; index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("openai embed: bad index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
