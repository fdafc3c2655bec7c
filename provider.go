package pilot

import (
	"context"
	"sync"
)

// --- Model protocol types ---

// ModelMessage is one message in a model conversation.
type ModelMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// SystemModelMessage builds a system-role message.
func SystemModelMessage(text string) ModelMessage {
	return ModelMessage{Role: "system", Content: text}
}

// UserModelMessage builds a user-role message.
func UserModelMessage(text string) ModelMessage {
	return ModelMessage{Role: "user", Content: text}
}

// AssistantModelMessage builds an assistant-role message.
func AssistantModelMessage(text string) ModelMessage {
	return ModelMessage{Role: "assistant", Content: text}
}

// ModelCapabilities declares what a configured backend supports.
type ModelCapabilities struct {
	SupportsStreaming      bool     `json:"supports_streaming"`
	SupportsToolCalling    bool     `json:"supports_tool_calling"`
	SupportsSystemMessages bool     `json:"supports_system_messages"`
	MaxContextLength       int      `json:"max_context_length"`
	SupportedMessageTypes  []string `json:"supported_message_types,omitempty"`
}

// ModelConfig selects and tunes a model backend. Endpoints and keys come
// from configuration, never from code.
type ModelConfig struct {
	ProviderID    string            `json:"provider_id"`
	ModelID       string            `json:"model_id"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Capabilities  ModelCapabilities `json:"capabilities"`
}

// ModelRequest is one call to the model backend.
type ModelRequest struct {
	Messages []ModelMessage `json:"messages"`
	Config   ModelConfig    `json:"config"`
	Context  map[string]any `json:"context,omitempty"`
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishLength    FinishReason = "length"
	FinishStop      FinishReason = "stop"
	FinishToolCall  FinishReason = "tool_call"
)

// TokenUsage tracks token counts for one model call. Backend-reported
// counts override heuristic estimates.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is the complete reply to a ModelRequest.
type ModelResponse struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        TokenUsage   `json:"usage"`
}

// ModelChunk is one increment of a streamed reply. A stream carries exactly
// one chunk with Final=true; that chunk carries the usage totals.
type ModelChunk struct {
	Content string     `json:"content,omitempty"`
	Final   bool       `json:"final"`
	Usage   TokenUsage `json:"usage,omitempty"`
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Invoke sends a request and returns the complete response.
	Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// Stream sends chunks into ch and returns the final response with usage.
	// The caller owns ch; the provider never closes it.
	Stream(ctx context.Context, req ModelRequest, ch chan<- ModelChunk) (ModelResponse, error)
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// --- Token counting ---

// tokenCache memoizes heuristic estimates per (model, text) so counts are
// deterministic within a process lifetime.
var tokenCache sync.Map

type tokenCacheKey struct {
	model string
	text  string
}

// EstimateTokens returns a deterministic heuristic token count for text
// under the given model. Backend-reported usage always takes precedence;
// this exists for budgeting before a call is made.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	key := tokenCacheKey{model: model, text: text}
	if v, ok := tokenCache.Load(key); ok {
		return v.(int)
	}
	// ~4 bytes per token holds well enough for English and code.
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	tokenCache.Store(key, n)
	return n
}
