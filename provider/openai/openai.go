// Package openai implements pilot.Provider for any OpenAI-compatible
// chat completions API: OpenAI, OpenRouter, Groq, DeepSeek, Ollama, vLLM,
// and anything else speaking the same wire format.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/nvallen/pilot"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider talks to an OpenAI-compatible chat completions endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base (e.g. "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithName overrides the reported provider name (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates an OpenAI-compatible provider. model is the default model ID,
// used when a request's config leaves ModelID empty.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ pilot.Provider = (*Provider)(nil)

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// --- wire types ---

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireChoice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

func (p *Provider) buildBody(req pilot.ModelRequest) wireRequest {
	model := req.Config.ModelID
	if model == "" {
		model = p.model
	}
	body := wireRequest{
		Model:     model,
		MaxTokens: req.Config.MaxTokens,
		Stop:      req.Config.StopSequences,
	}
	if req.Config.Temperature > 0 {
		t := req.Config.Temperature
		body.Temperature = &t
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	return body
}

// Invoke sends a non-streaming request and returns the complete response.
func (p *Provider) Invoke(ctx context.Context, req pilot.ModelRequest) (pilot.ModelResponse, error) {
	resp, err := p.send(ctx, p.buildBody(req))
	if err != nil {
		return pilot.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pilot.ModelResponse{}, p.httpErr(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return pilot.ModelResponse{}, pilot.Networkf(pilot.CodeProviderFailure,
			"%s: decode response: %v", p.name, err)
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return pilot.ModelResponse{}, pilot.Networkf(pilot.CodeProviderFailure,
			"%s: empty response", p.name)
	}

	out := pilot.ModelResponse{
		Content:      wire.Choices[0].Message.Content,
		FinishReason: finishReason(wire.Choices[0].FinishReason),
	}
	if wire.Usage != nil {
		out.Usage = pilot.TokenUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream sends a streaming request, forwarding content deltas into ch.
// The caller owns ch; exactly one chunk has Final=true and carries usage.
func (p *Provider) Stream(ctx context.Context, req pilot.ModelRequest, ch chan<- pilot.ModelChunk) (pilot.ModelResponse, error) {
	body := p.buildBody(req)
	body.Stream = true
	body.StreamOptions = &wireStreamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		return pilot.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pilot.ModelResponse{}, p.httpErr(resp)
	}

	var full strings.Builder
	var usage pilot.TokenUsage
	finish := pilot.FinishCompleted

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Usage != nil {
			usage = pilot.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = finishReason(choice.FinishReason)
		}
		if choice.Delta == nil || choice.Delta.Content == "" {
			continue
		}
		full.WriteString(choice.Delta.Content)
		select {
		case ch <- pilot.ModelChunk{Content: choice.Delta.Content}:
		case <-ctx.Done():
			return pilot.ModelResponse{}, pilot.FromContext(ctx.Err())
		}
	}
	if err := scanner.Err(); err != nil {
		return pilot.ModelResponse{}, pilot.Networkf(pilot.CodeProviderFailure,
			"%s: read stream: %v", p.name, err)
	}

	select {
	case ch <- pilot.ModelChunk{Final: true, Usage: usage}:
	case <-ctx.Done():
		return pilot.ModelResponse{}, pilot.FromContext(ctx.Err())
	}
	return pilot.ModelResponse{Content: full.String(), FinishReason: finish, Usage: usage}, nil
}

func (p *Provider) send(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, pilot.Systemf(pilot.CodeInternal, "%s: marshal request: %v", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, pilot.Systemf(pilot.CodeInternal, "%s: create request: %v", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pilot.FromContext(ctx.Err())
		}
		return nil, pilot.Networkf(pilot.CodeProviderFailure, "%s: request failed: %v", p.name, err)
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return pilot.Networkf(pilot.CodeProviderFailure,
		"%s: http %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(b)))
}

func finishReason(s string) pilot.FinishReason {
	switch s {
	case "length":
		return pilot.FinishLength
	case "stop":
		return pilot.FinishStop
	case "tool_calls":
		return pilot.FinishToolCall
	default:
		return pilot.FinishCompleted
	}
}
