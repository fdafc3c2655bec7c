package pilot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// defaultToolTimeout bounds a single tool execution.
	defaultToolTimeout = 30 * time.Second
	// maxConcurrentTools bounds the batch worker pool.
	maxConcurrentTools = 5
)

// Executor runs tool calls through the full pipeline: registry lookup,
// security gateway, schema validation, permission check, timed execution,
// output filtering. Compiled input schemas are cached per tool version.
type Executor struct {
	registry    *Registry
	gateway     *Gateway
	logger      *slog.Logger
	tracer      Tracer
	timeout     time.Duration
	maxParallel int

	mu       sync.Mutex
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema // "name@version"
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithToolTimeout bounds each tool execution (default 30s).
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithMaxParallel bounds the batch worker pool (default 5).
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithExecutorLogger sets the structured logger for the executor.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the tracer for per-call spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over the given registry and gateway.
func NewExecutor(registry *Registry, gateway *Gateway, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		gateway:     gateway,
		logger:      nopLogger,
		timeout:     defaultToolTimeout,
		maxParallel: maxConcurrentTools,
		compiler:    jsonschema.NewCompiler(),
		schemas:     make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call end to end and always returns a result; all
// failures are captured in the result rather than returned separately.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolResult {
	if call.CallID == "" {
		call.CallID = NewID()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = timeNow()
	}
	start := NowMs()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "tool.execute",
			StringAttr("tool.name", call.ToolName),
			StringAttr("call.id", call.CallID))
		defer span.End()
	}

	result := e.execute(ctx, call)
	result.Metrics = CallMetrics{StartMs: start, EndMs: NowMs()}
	if result.Metrics.EndMs < result.Metrics.StartMs {
		result.Metrics.EndMs = result.Metrics.StartMs
	}

	if span != nil {
		span.SetAttr(BoolAttr("tool.success", result.Success))
		if !result.Success {
			span.Error(Systemf(CodeInternal, "%s", result.Err))
		}
	}
	e.logger.Debug("tool executed",
		"tool", call.ToolName, "call_id", call.CallID,
		"success", result.Success, "duration_ms", result.Metrics.EndMs-result.Metrics.StartMs)
	return result
}

func (e *Executor) execute(ctx context.Context, call ToolCall) ToolResult {
	tool, ok := e.registry.Get(call.ToolName)
	if !ok {
		return failed(call, Validationf(CodeUnknownTool, "unknown tool %q", call.ToolName))
	}
	meta, _ := e.registry.Meta(call.ToolName)
	category := meta.Category
	if category == "" {
		category = "default"
	}

	call, err := e.gateway.CheckCall(ctx, call, category)
	if err != nil {
		return failed(call, err)
	}

	if err := e.validateInput(tool, call.Input); err != nil {
		return failed(call, err)
	}

	if err := tool.CheckPermissions(ctx, call.Input); err != nil {
		return failed(call, coerce(err, CategoryBusiness, CodeUnauthorized))
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	output, err := tool.Execute(execCtx, call.Input)
	if err != nil {
		if ctxErr := execCtx.Err(); ctxErr != nil {
			return failed(call, FromContext(ctxErr).With("tool", call.ToolName))
		}
		return failed(call, coerce(err, CategorySystem, CodeInternal))
	}

	output, err = e.gateway.FilterResult(ctx, call, output)
	if err != nil {
		return failed(call, err)
	}

	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Success:  true,
		Output:   output,
	}
}

// ExecuteBatch runs calls with concurrency-safe tools in a bounded worker
// pool and the rest sequentially, in input order. Results align with the
// calls slice. The batch is fail-fast: after the first failure no new call
// starts, and unstarted calls report a cancellation.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.ToolName
	}
	safe, _ := e.registry.PartitionByConcurrency(names)

	var (
		wg     sync.WaitGroup
		failed atomicFlag
		sem    = make(chan struct{}, e.maxParallel)
	)
	var sequential []int
	for i, call := range calls {
		if !safe[call.ToolName] {
			sequential = append(sequential, i)
			continue
		}
		if failed.isSet() {
			results[i] = cancelledResult(call)
			continue
		}
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if failed.isSet() {
				results[i] = cancelledResult(call)
				return
			}
			results[i] = e.Execute(ctx, call)
			if !results[i].Success {
				failed.set()
			}
		}(i, call)
	}
	wg.Wait()

	for _, i := range sequential {
		if failed.isSet() {
			results[i] = cancelledResult(calls[i])
			continue
		}
		results[i] = e.Execute(ctx, calls[i])
		if !results[i].Success {
			failed.set()
		}
	}
	return results
}

// validateInput checks the call input against the tool's JSON schema.
// Compilation happens once per (name, version).
func (e *Executor) validateInput(tool Tool, input map[string]any) error {
	schemaDoc := tool.InputSchema()
	if schemaDoc == nil {
		return nil
	}
	key := tool.Name() + "@" + tool.Version()

	e.mu.Lock()
	sch, ok := e.schemas[key]
	if !ok {
		url := "pilot:///tools/" + key + ".json"
		if err := e.compiler.AddResource(url, schemaDoc); err != nil {
			e.mu.Unlock()
			return Configurationf(CodeValidation, "tool %s: bad input schema: %v", tool.Name(), err)
		}
		var err error
		sch, err = e.compiler.Compile(url)
		if err != nil {
			e.mu.Unlock()
			return Configurationf(CodeValidation, "tool %s: bad input schema: %v", tool.Name(), err)
		}
		e.schemas[key] = sch
	}
	e.mu.Unlock()

	// The validator wants plain decoded JSON, so round-trip through the
	// generic shape.
	if err := sch.Validate(normalizeJSON(input)); err != nil {
		return Validationf(CodeValidation, "tool %s: invalid input: %v", tool.Name(), err).
			With("tool", tool.Name())
	}
	return nil
}

// coerce preserves a structured error, or wraps a foreign one with the
// given category and code.
func coerce(err error, category ErrorCategory, code string) error {
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{Code: code, Message: err.Error(), Category: category}
}

// normalizeJSON round-trips a value through encoding/json so schema
// validation sees plain decoded JSON types.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func failed(call ToolCall, err error) ToolResult {
	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Success:  false,
		Err:      err.Error(),
		Metadata: map[string]any{"error_code": CodeOf(err), "error_category": string(CategoryOf(err))},
	}
}

func cancelledResult(call ToolCall) ToolResult {
	now := NowMs()
	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Success:  false,
		Err:      "batch aborted before execution",
		Metrics:  CallMetrics{StartMs: now, EndMs: now},
		Metadata: map[string]any{"error_code": CodeCancelled, "error_category": string(CategorySystem)},
	}
}

// atomicFlag is a set-once boolean shared across goroutines.
type atomicFlag struct {
	mu  sync.Mutex
	val bool
}

func (f *atomicFlag) set() {
	f.mu.Lock()
	f.val = true
	f.mu.Unlock()
}

func (f *atomicFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val
}
