package pilot

import "time"

// --- Request / Response ---

// RequestContext carries the caller-supplied envelope for a request.
type RequestContext struct {
	SessionID   string            `json:"session_id"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	Environment map[string]string `json:"environment,omitempty"`
}

// Request is a single unit of user input. Immutable once accepted.
type Request struct {
	Input   string         `json:"input"`
	Context RequestContext `json:"context"`
	Options map[string]any `json:"options,omitempty"`
}

// Kind identifies which handler produced (or will produce) a response.
type Kind string

const (
	KindCommand  Kind = "command"
	KindPrompt   Kind = "prompt"
	KindWorkflow Kind = "workflow"
)

// Response is the unified result shape for all three handlers.
// Metadata always carries at least the classification record and per-phase
// timings; workflow responses add workflowId, executionPath, and nodeCount.
type Response struct {
	Success         bool           `json:"success"`
	Content         string         `json:"content"`
	Kind            Kind           `json:"kind"`
	Confidence      float64        `json:"confidence"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ToolsUsed       []string       `json:"tools_used,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Err             string         `json:"error,omitempty"`
}

// --- Classification ---

// ClassifyMethod names a classification strategy.
type ClassifyMethod string

const (
	MethodRule     ClassifyMethod = "rule"
	MethodLLM      ClassifyMethod = "llm"
	MethodHybrid   ClassifyMethod = "hybrid"
	MethodEnsemble ClassifyMethod = "ensemble"
)

// ClassificationResult is the outcome of classifying one input.
// Confidence is always in [0,1]. When Kind is KindCommand, Extracted carries
// the command name under "name" and its ordered arguments under "args".
type ClassificationResult struct {
	Kind       Kind           `json:"kind"`
	Confidence float64        `json:"confidence"`
	Method     ClassifyMethod `json:"method"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Extracted  map[string]any `json:"extracted,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// --- Tool calls ---

// ToolCall is one request to execute a tool.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionID returns the session the call belongs to, or "" if absent.
func (c ToolCall) SessionID() string {
	if v, ok := c.Context["session_id"].(string); ok {
		return v
	}
	return ""
}

// CallMetrics records wall-clock bounds of a tool execution in Unix millis.
// EndMs is never less than StartMs.
type CallMetrics struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// ToolResult is the outcome of one tool call. Exactly one of Output or Err
// is populated, matching Success.
type ToolResult struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Err      string         `json:"error,omitempty"`
	Metrics  CallMetrics    `json:"metrics"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// --- Sessions ---

// Turn is one message in a session's conversation history.
type Turn struct {
	TurnID    string         `json:"turn_id"`
	Timestamp time.Time      `json:"timestamp"`
	Role      string         `json:"role"` // "user", "assistant", "system"
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UserTurn builds a user-role turn with a fresh ID.
func UserTurn(content string) Turn {
	return Turn{TurnID: NewID(), Timestamp: time.Now(), Role: "user", Content: content}
}

// AssistantTurn builds an assistant-role turn with a fresh ID.
func AssistantTurn(content string) Turn {
	return Turn{TurnID: NewID(), Timestamp: time.Now(), Role: "assistant", Content: content}
}

// Session is one conversation scope. History is bounded by the store's
// MaxHistorySize; overflow drops the oldest turns first.
type Session struct {
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Domain         string         `json:"domain,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	History        []Turn         `json:"history,omitempty"`
}

// ProcessingEvent is an append-only record of one processing step for a
// session, capped per session with newest retained.
type ProcessingEvent struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// --- Security violations ---

// ViolationLevel grades the severity of a recorded security event.
type ViolationLevel string

const (
	LevelLow      ViolationLevel = "low"
	LevelMedium   ViolationLevel = "medium"
	LevelHigh     ViolationLevel = "high"
	LevelCritical ViolationLevel = "critical"
)

// Violation is a security event recorded by the gateway. The gateway keeps
// a bounded history trimmed FIFO.
type Violation struct {
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Type        string         `json:"type"`
	Level       ViolationLevel `json:"level"`
	Description string         `json:"description"`
	Input       string         `json:"input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
