package pilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Canonical node IDs. Every compiled workflow is a chain through these,
// with a pattern-specific node inserted after enrichContext.
const (
	nodeProcessInput = "processInput"
	nodeEnrichCtx    = "enrichContext"
	nodeExecuteTools = "executeTools"
	nodeReasoning    = "reasoning"
	nodeSynthesize   = "synthesize"
	nodeFormatOutput = "formatOutput"

	nodeSequentialThinking = "sequentialThinking"
	nodeIdeation           = "ideation"
	nodeDiagnostics        = "diagnostics"
	nodeReactLoop          = "reactLoop"
	nodeRewooExecute       = "rewooExecute"
	nodeAdaptDecompose     = "adaptDecompose"
)

// patternInsert returns the pattern-specific node ID, or "" when the
// pattern uses the plain chain.
func patternInsert(p Pattern) string {
	switch p {
	case PatternAnalytical:
		return nodeSequentialThinking
	case PatternCreative:
		return nodeIdeation
	case PatternProblemSolving:
		return nodeDiagnostics
	case PatternReAct:
		return nodeReactLoop
	case PatternReWOO:
		return nodeRewooExecute
	case PatternADaPT:
		return nodeAdaptDecompose
	}
	return ""
}

// Customization appends nodes and edges to a compiled workflow. The
// result must remain connected and terminating.
type Customization struct {
	Nodes []Node
	Edges []Edge
}

// buildCanonicalSpec assembles the canonical chain for a pattern:
// processInput, enrichContext, the pattern insert, executeTools,
// reasoning, synthesize, formatOutput.
func buildCanonicalSpec(pattern Pattern, custom *Customization) *WorkflowSpec {
	chain := []Node{
		{ID: nodeProcessInput, Kind: NodeInput},
		{ID: nodeEnrichCtx, Kind: NodeProcessing},
	}
	if insert := patternInsert(pattern); insert != "" {
		kind := NodeReasoning
		if insert == nodeAdaptDecompose {
			kind = NodeDecomposition
		}
		chain = append(chain, Node{ID: insert, Kind: kind})
	}
	chain = append(chain,
		Node{ID: nodeExecuteTools, Kind: NodeTool},
		Node{ID: nodeReasoning, Kind: NodeReasoning},
		Node{ID: nodeSynthesize, Kind: NodeProcessing},
		Node{ID: nodeFormatOutput, Kind: NodeOutput},
	)

	var edges []Edge
	for i := 0; i+1 < len(chain); i++ {
		edges = append(edges, Edge{From: chain[i].ID, To: chain[i+1].ID})
	}

	spec := &WorkflowSpec{
		WorkflowID: NewID(),
		Pattern:    pattern,
		Entry:      nodeProcessInput,
		Nodes:      chain,
		Edges:      edges,
	}
	if custom != nil {
		spec.Nodes = append(spec.Nodes, custom.Nodes...)
		spec.Edges = append(spec.Edges, custom.Edges...)
	}
	return spec
}

// NodeHandler computes one node's contribution to the workflow state.
type NodeHandler func(ctx context.Context, state WorkflowState) (StatePatch, error)

// ExecutableWorkflow is a compiled workflow ready to execute or stream.
type ExecutableWorkflow struct {
	Spec     *WorkflowSpec
	order    []string
	handlers map[string]NodeHandler
	incoming map[string][]Edge
}

// WorkflowResult is the outcome of one workflow run.
type WorkflowResult struct {
	FinalState    WorkflowState `json:"final_state"`
	ExecutionPath []string      `json:"execution_path"`
	NodeCount     int           `json:"node_count"`
	WorkflowID    string        `json:"workflow_id"`
}

// Engine compiles patterns into executable workflows and runs them with
// checkpointing and streaming.
type Engine struct {
	provider Provider
	config   ModelConfig
	tools    ToolGateway
	store    Store
	logger   *slog.Logger
	tracer   Tracer

	checkpointing bool
	maxSteps      int
	maxDecompose  int

	mu       sync.RWMutex
	compiled map[Pattern]*ExecutableWorkflow
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckpointing persists state after every node when a store is set.
func WithCheckpointing(on bool) EngineOption {
	return func(e *Engine) { e.checkpointing = on }
}

// WithMaxSteps bounds the iterative loop budget (default 10).
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxDecompositionLevel bounds recursive decomposition (default 3).
func WithMaxDecompositionLevel(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxDecompose = n
		}
	}
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer sets the tracer for per-node spans.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a workflow engine. store may be nil to disable
// checkpointing and context enrichment.
func NewEngine(provider Provider, config ModelConfig, tools ToolGateway, store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:     provider,
		config:       config,
		tools:        tools,
		store:        store,
		logger:       nopLogger,
		maxSteps:     defaultMaxSteps,
		maxDecompose: defaultMaxDecomposition,
		compiled:     make(map[Pattern]*ExecutableWorkflow),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateWorkflow compiles a pattern (plus optional customizations) into an
// executable workflow.
func (e *Engine) CreateWorkflow(pattern Pattern, custom *Customization) (*ExecutableWorkflow, error) {
	if !pattern.Valid() || pattern == PatternConversational {
		return nil, Validationf(CodeValidation, "cannot compile pattern %q", pattern)
	}
	spec := buildCanonicalSpec(pattern, custom)
	return e.Compile(spec)
}

// Compile validates a spec and binds handlers to its nodes.
func (e *Engine) Compile(spec *WorkflowSpec) (*ExecutableWorkflow, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	reachable := reachableFrom(spec.Entry, spec.Edges)
	for _, n := range spec.Nodes {
		if !reachable[n.ID] {
			return nil, Validationf(CodeValidation,
				"workflow %s: node %q unreachable from entry", spec.WorkflowID, n.ID)
		}
	}

	order, err := e.executionOrder(spec)
	if err != nil {
		return nil, err
	}

	wf := &ExecutableWorkflow{
		Spec:     spec,
		order:    order,
		handlers: make(map[string]NodeHandler, len(spec.Nodes)),
		incoming: make(map[string][]Edge),
	}
	for _, edge := range spec.Edges {
		wf.incoming[edge.To] = append(wf.incoming[edge.To], edge)
	}
	for _, n := range spec.Nodes {
		handler, err := e.handlerFor(n)
		if err != nil {
			return nil, err
		}
		wf.handlers[n.ID] = handler
	}
	return wf, nil
}

// executionOrder is topological for DAG patterns. Iterative patterns run
// their loop inside a single node, so the declared chain order holds.
func (e *Engine) executionOrder(spec *WorkflowSpec) ([]string, error) {
	if !spec.Pattern.AllowsCycles() {
		return topoOrder(spec.Nodes, spec.Edges)
	}
	order := make([]string, len(spec.Nodes))
	for i, n := range spec.Nodes {
		order[i] = n.ID
	}
	return order, nil
}

// Precompile compiles the given patterns into the cache.
func (e *Engine) Precompile(patterns []Pattern) error {
	for _, p := range patterns {
		wf, err := e.CreateWorkflow(p, nil)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.compiled[p] = wf
		e.mu.Unlock()
	}
	return nil
}

// GetCompiled returns a precompiled workflow for the pattern, if any.
func (e *Engine) GetCompiled(p Pattern) (*ExecutableWorkflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.compiled[p]
	return wf, ok
}

// Execute runs the workflow to completion, merging node patches under the
// reducer and checkpointing after every node when enabled.
func (e *Engine) Execute(ctx context.Context, wf *ExecutableWorkflow, state WorkflowState) (WorkflowResult, error) {
	return e.run(ctx, wf, state, nil)
}

// StreamExec runs the workflow, sending one chunk per completed node into
// ch. The caller owns ch. On error the last chunk carries Err and
// Final=true; no further chunks follow.
func (e *Engine) StreamExec(ctx context.Context, wf *ExecutableWorkflow, state WorkflowState, ch chan<- EngineChunk) (WorkflowResult, error) {
	return e.run(ctx, wf, state, ch)
}

func (e *Engine) run(ctx context.Context, wf *ExecutableWorkflow, state WorkflowState, ch chan<- EngineChunk) (WorkflowResult, error) {
	if state == nil {
		state = WorkflowState{}
	}
	result := WorkflowResult{WorkflowID: wf.Spec.WorkflowID, NodeCount: len(wf.order)}

	fail := func(nodeID string, err error) (WorkflowResult, error) {
		if ch != nil {
			ch <- EngineChunk{NodeID: nodeID, State: state.Clone(), Final: true, Err: err.Error()}
		}
		result.FinalState = state
		return result, err
	}

	for stepIndex, nodeID := range wf.order {
		if err := ctx.Err(); err != nil {
			return fail(nodeID, FromContext(err).With("node", nodeID))
		}
		if !e.edgesSatisfied(wf, nodeID, state) {
			continue
		}

		var span Span
		nodeCtx := ctx
		if e.tracer != nil {
			nodeCtx, span = e.tracer.Start(ctx, "workflow.node",
				StringAttr("workflow.id", wf.Spec.WorkflowID),
				StringAttr("node.id", nodeID))
		}
		patch, err := wf.handlers[nodeID](nodeCtx, state)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = FromContext(ctxErr).With("node", nodeID)
			}
			return fail(nodeID, err)
		}

		state = ApplyPatch(state, patch)
		result.ExecutionPath = append(result.ExecutionPath, nodeID)
		e.logger.Debug("workflow node complete",
			"workflow", wf.Spec.WorkflowID, "node", nodeID, "step", stepIndex)

		if e.checkpointing && e.store != nil {
			cp := Checkpoint{
				WorkflowID: wf.Spec.WorkflowID,
				StepIndex:  stepIndex,
				NodeID:     nodeID,
				SessionID:  stateString(state, "sessionId"),
				CreatedAt:  timeNow(),
				State:      state.Clone(),
			}
			if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
				e.logger.Warn("checkpoint save failed",
					"workflow", wf.Spec.WorkflowID, "step", stepIndex, "error", err)
			}
		}

		if ch != nil {
			final := stepIndex == len(wf.order)-1
			ch <- EngineChunk{NodeID: nodeID, State: state.Clone(), Final: final}
		}
	}

	result.FinalState = state
	return result, nil
}

// edgesSatisfied reports whether at least one incoming edge permits the
// node to run. Unconditional edges always permit; conditional edges
// require a truthy state key. Entry nodes have no incoming edges.
func (e *Engine) edgesSatisfied(wf *ExecutableWorkflow, nodeID string, state WorkflowState) bool {
	edges := wf.incoming[nodeID]
	if len(edges) == 0 {
		return true
	}
	for _, edge := range edges {
		if edge.Condition == "" || truthy(state[edge.Condition]) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case nil:
		return false
	}
	return true
}

// --- Node handlers ---

func (e *Engine) handlerFor(n Node) (NodeHandler, error) {
	switch n.ID {
	case nodeProcessInput:
		return e.processInput, nil
	case nodeEnrichCtx:
		return e.enrichContext, nil
	case nodeSequentialThinking:
		return e.modelStep("analysis", "Think through the task step by step, numbering each inference."), nil
	case nodeIdeation:
		return e.modelStep("ideas", "Generate several distinct approaches to the task, then pick the most promising."), nil
	case nodeDiagnostics:
		return e.modelStep("diagnosis", "Diagnose the problem: list likely causes ranked by probability, with evidence for each."), nil
	case nodeReactLoop:
		return e.runReact, nil
	case nodeRewooExecute:
		return e.runReWOO, nil
	case nodeAdaptDecompose:
		return e.runADaPT, nil
	case nodeExecuteTools:
		return e.executeTools, nil
	case nodeReasoning:
		return e.reasoningStep, nil
	case nodeSynthesize:
		return e.synthesize, nil
	case nodeFormatOutput:
		return e.formatOutput, nil
	}
	// Custom nodes pass state through unless they carry a "set" config.
	if set, ok := n.Config["set"].(map[string]any); ok {
		return func(context.Context, WorkflowState) (StatePatch, error) {
			return StatePatch(set), nil
		}, nil
	}
	return func(context.Context, WorkflowState) (StatePatch, error) {
		return StatePatch{}, nil
	}, nil
}

func (e *Engine) processInput(_ context.Context, state WorkflowState) (StatePatch, error) {
	input := strings.TrimSpace(stateString(state, "input"))
	if input == "" {
		return nil, Validationf(CodeValidation, "workflow input is empty")
	}
	return StatePatch{
		"input": input,
		"perf":  map[string]any{"startMs": NowMs()},
		"steps": "processed input",
	}, nil
}

func (e *Engine) enrichContext(ctx context.Context, state WorkflowState) (StatePatch, error) {
	sessionID := stateString(state, "sessionId")
	contextMap := map[string]any{}
	if e.store != nil && sessionID != "" {
		if session, err := e.store.GetSession(ctx, sessionID); err == nil {
			recent := session.History
			if len(recent) > 10 {
				recent = recent[len(recent)-10:]
			}
			var lines []string
			for _, turn := range recent {
				lines = append(lines, turn.Role+": "+truncate(turn.Content, 200))
			}
			contextMap["history"] = strings.Join(lines, "\n")
			contextMap["domain"] = session.Domain
		}
	}
	return StatePatch{"context": contextMap, "steps": "enriched context"}, nil
}

// modelStep builds a handler that runs one pattern-specific model call and
// stores the reply under key.
func (e *Engine) modelStep(key, instruction string) NodeHandler {
	return func(ctx context.Context, state WorkflowState) (StatePatch, error) {
		if e.provider == nil {
			return StatePatch{"steps": "skipped " + key + " (no provider)"}, nil
		}
		resp, err := e.provider.Invoke(ctx, ModelRequest{
			Messages: []ModelMessage{
				SystemModelMessage(instruction),
				UserModelMessage(e.promptWithContext(state)),
			},
			Config: e.config,
		})
		if err != nil {
			return nil, coerce(err, CategoryNetwork, CodeProviderFailure)
		}
		return StatePatch{key: resp.Content, "steps": key + " complete"}, nil
	}
}

func (e *Engine) runReact(ctx context.Context, state WorkflowState) (StatePatch, error) {
	runner := &reactRunner{
		provider: e.provider,
		config:   e.config,
		tools:    e.tools,
		maxSteps: e.maxSteps,
		logger:   e.logger,
	}
	return runner.Run(ctx, state)
}

func (e *Engine) runReWOO(ctx context.Context, state WorkflowState) (StatePatch, error) {
	runner := &rewooRunner{
		provider: e.provider,
		config:   e.config,
		tools:    e.tools,
		logger:   e.logger,
	}
	return runner.Run(ctx, state)
}

func (e *Engine) runADaPT(ctx context.Context, state WorkflowState) (StatePatch, error) {
	runner := &adaptRunner{
		provider: e.provider,
		config:   e.config,
		tools:    e.tools,
		maxLevel: e.maxDecompose,
		logger:   e.logger,
	}
	return runner.Run(ctx, state)
}

// executeTools drains pendingToolCalls through the gateway as a batch.
func (e *Engine) executeTools(ctx context.Context, state WorkflowState) (StatePatch, error) {
	pending := pendingCalls(state)
	if len(pending) == 0 {
		return StatePatch{"pendingToolCalls": []any(nil)}, nil
	}
	if e.tools == nil {
		return nil, Configurationf(CodeInternal, "workflow has tool calls but no tool gateway")
	}

	results := e.tools.ExecuteBatch(ctx, pending)
	patchResults := make([]any, len(results))
	for i, r := range results {
		patchResults[i] = r
	}
	return StatePatch{
		"toolResults":      patchResults,
		"pendingToolCalls": []any(nil),
		"steps":            fmt.Sprintf("executed %d tool calls", len(results)),
	}, nil
}

func (e *Engine) reasoningStep(ctx context.Context, state WorkflowState) (StatePatch, error) {
	if e.provider == nil {
		return StatePatch{"reasoning": summarizeEvidence(state), "steps": "reasoning (deterministic)"}, nil
	}
	resp, err := e.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage("Reason about the gathered evidence and decide what the final answer should cover."),
			UserModelMessage(e.promptWithContext(state) + "\n\nEvidence:\n" + summarizeEvidence(state)),
		},
		Config: e.config,
	})
	if err != nil {
		return nil, coerce(err, CategoryNetwork, CodeProviderFailure)
	}
	return StatePatch{"reasoning": resp.Content, "steps": "reasoning complete"}, nil
}

func (e *Engine) synthesize(ctx context.Context, state WorkflowState) (StatePatch, error) {
	if e.provider == nil {
		output := stateString(state, "reasoning")
		if output == "" {
			output = summarizeEvidence(state)
		}
		return StatePatch{"output": output, "steps": "synthesized (deterministic)"}, nil
	}
	resp, err := e.provider.Invoke(ctx, ModelRequest{
		Messages: []ModelMessage{
			SystemModelMessage("Write the final answer for the user. Be direct and complete."),
			UserModelMessage(e.promptWithContext(state) + "\n\nReasoning:\n" + stateString(state, "reasoning")),
		},
		Config: e.config,
	})
	if err != nil {
		return nil, coerce(err, CategoryNetwork, CodeProviderFailure)
	}
	return StatePatch{"output": resp.Content, "steps": "synthesized"}, nil
}

func (e *Engine) formatOutput(_ context.Context, state WorkflowState) (StatePatch, error) {
	output := strings.TrimSpace(stateString(state, "output"))
	if output == "" {
		output = strings.TrimSpace(stateString(state, "reasoning"))
	}
	return StatePatch{
		"output": output,
		"perf":   map[string]any{"endMs": NowMs()},
		"steps":  "formatted output",
	}, nil
}

func (e *Engine) promptWithContext(state WorkflowState) string {
	prompt := stateString(state, "input")
	if contextMap, ok := state["context"].(map[string]any); ok {
		if history, ok := contextMap["history"].(string); ok && history != "" {
			prompt = "Conversation so far:\n" + history + "\n\nTask:\n" + prompt
		}
	}
	return prompt
}

// --- State helpers ---

func stateString(state WorkflowState, key string) string {
	if v, ok := state[key].(string); ok {
		return v
	}
	return ""
}

// pendingCalls decodes state["pendingToolCalls"] entries into ToolCalls.
// Entries may be ToolCall values or generic maps.
func pendingCalls(state WorkflowState) []ToolCall {
	list, ok := state["pendingToolCalls"].([]any)
	if !ok {
		return nil
	}
	var calls []ToolCall
	for _, item := range list {
		switch c := item.(type) {
		case ToolCall:
			calls = append(calls, c)
		case map[string]any:
			call := ToolCall{Timestamp: timeNow()}
			call.ToolName, _ = c["tool_name"].(string)
			if call.ToolName == "" {
				call.ToolName, _ = c["toolName"].(string)
			}
			call.Input, _ = c["input"].(map[string]any)
			call.Context, _ = c["context"].(map[string]any)
			if call.ToolName != "" {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

// summarizeEvidence flattens tool results into readable lines.
func summarizeEvidence(state WorkflowState) string {
	results, ok := state["toolResults"].([]any)
	if !ok || len(results) == 0 {
		return "no tool evidence gathered"
	}
	var lines []string
	for _, item := range results {
		r, ok := item.(ToolResult)
		if !ok {
			continue
		}
		if r.Success {
			lines = append(lines, fmt.Sprintf("%s: %s", r.ToolName, truncate(r.Output, 300)))
		} else {
			lines = append(lines, fmt.Sprintf("%s failed: %s", r.ToolName, r.Err))
		}
	}
	return strings.Join(lines, "\n")
}
