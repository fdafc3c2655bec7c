package pilot

import (
	"context"
	"log/slog"
	"sync"
)

// defaultMaxViolationHistory bounds the gateway's violation ring.
const defaultMaxViolationHistory = 10_000

// Gateway is the security layer every tool call passes through: rate
// limiting, input sanitisation, and output filtering, applied in that
// order. All recorded actions land in a bounded FIFO violation history.
// Safe for concurrent use.
type Gateway struct {
	limiter   *RateLimiter
	sanitizer *Sanitizer
	filter    *OutputFilter
	logger    *slog.Logger

	mu           sync.Mutex
	violations   []Violation
	maxHistory   int
	totalDropped int
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRatePolicies sets the per-category rate-limit policies.
func WithRatePolicies(policies map[string]RatePolicy) GatewayOption {
	return func(g *Gateway) { g.limiter = NewRateLimiter(policies) }
}

// WithSanitizeRules replaces the default input-sanitisation ruleset.
func WithSanitizeRules(rules []SanitizeRule) GatewayOption {
	return func(g *Gateway) { g.sanitizer = NewSanitizer(rules) }
}

// WithFilterRules replaces the default output-filtering ruleset.
func WithFilterRules(rules []FilterRule) GatewayOption {
	return func(g *Gateway) { g.filter = NewOutputFilter(rules) }
}

// WithMaxViolationHistory bounds the violation ring (default 10 000).
func WithMaxViolationHistory(n int) GatewayOption {
	return func(g *Gateway) { g.maxHistory = n }
}

// WithGatewayLogger sets the structured logger for the gateway.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a security gateway with default policies and rules.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		limiter:    NewRateLimiter(nil),
		sanitizer:  NewSanitizer(nil),
		filter:     NewOutputFilter(nil),
		maxHistory: defaultMaxViolationHistory,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckCall applies rate limiting then input sanitisation to a call under
// the tool's rate-limit category. Returns the call with sanitised input.
func (g *Gateway) CheckCall(_ context.Context, call ToolCall, category string) (ToolCall, error) {
	sessionID := call.SessionID()

	if err := g.limiter.Allow(sessionID, call.ToolName, category); err != nil {
		g.record(Violation{
			Timestamp:   timeNow(),
			SessionID:   sessionID,
			ToolName:    call.ToolName,
			Type:        "rate-limit:" + CodeOf(err),
			Level:       LevelMedium,
			Description: err.Error(),
		})
		return call, err
	}

	sanitised, violations, err := g.sanitizer.Sanitize(call.Input)
	g.recordAll(violations, sessionID, call.ToolName)
	if err != nil {
		return call, err
	}
	call.Input = sanitised
	return call, nil
}

// FilterResult applies output filtering to a tool's output. A block rule
// converts the call into a failure.
func (g *Gateway) FilterResult(_ context.Context, call ToolCall, output string) (string, error) {
	filtered, violations, err := g.filter.Filter(output)
	g.recordAll(violations, call.SessionID(), call.ToolName)
	if err != nil {
		return "", err
	}
	return filtered, nil
}

// Violations returns a copy of the recorded violation history, oldest
// first.
func (g *Gateway) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

// ViolationCount returns how many violations were recorded in total,
// including those already trimmed from the ring.
func (g *Gateway) ViolationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.violations) + g.totalDropped
}

func (g *Gateway) recordAll(violations []Violation, sessionID, toolName string) {
	for _, v := range violations {
		v.SessionID = sessionID
		v.ToolName = toolName
		g.record(v)
	}
}

// ToolGateway is the narrow surface workflows and pattern runners use to
// run tools. It hides the registry, executor, and security layer behind
// one facade so the engine never depends on concrete tool types.
type ToolGateway interface {
	Execute(ctx context.Context, call ToolCall) ToolResult
	ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult
	Has(name string) bool
	Discover(query string) []Tool
}

type toolGateway struct {
	registry *Registry
	executor *Executor
}

// NewToolGateway wraps a registry and executor as the engine-facing
// facade.
func NewToolGateway(registry *Registry, executor *Executor) ToolGateway {
	return &toolGateway{registry: registry, executor: executor}
}

func (t *toolGateway) Execute(ctx context.Context, call ToolCall) ToolResult {
	return t.executor.Execute(ctx, call)
}

func (t *toolGateway) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	return t.executor.ExecuteBatch(ctx, calls)
}

func (t *toolGateway) Has(name string) bool { return t.registry.Has(name) }

func (t *toolGateway) Discover(query string) []Tool { return t.registry.Discover(query) }

func (g *Gateway) record(v Violation) {
	g.logger.Warn("security violation",
		"type", v.Type, "level", v.Level, "tool", v.ToolName, "session", v.SessionID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations = append(g.violations, v)
	if over := len(g.violations) - g.maxHistory; over > 0 {
		g.violations = g.violations[over:]
		g.totalDropped += over
	}
}
