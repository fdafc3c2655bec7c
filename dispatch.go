package pilot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Timeouts bounds each processing phase.
type Timeouts struct {
	Classification    time.Duration `toml:"classification" json:"classification"`
	CommandExecution  time.Duration `toml:"command_execution" json:"command_execution"`
	PromptProcessing  time.Duration `toml:"prompt_processing" json:"prompt_processing"`
	WorkflowExecution time.Duration `toml:"workflow_execution" json:"workflow_execution"`
}

// DefaultTimeouts returns the built-in phase budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Classification:    5 * time.Second,
		CommandExecution:  30 * time.Second,
		PromptProcessing:  120 * time.Second,
		WorkflowExecution: 600 * time.Second,
	}
}

// directCommands are handled without classification.
var directCommands = map[string]bool{
	"status": true, "model": true, "config": true, "mode": true, "session": true, "help": true,
}

// AgentDeps are the components an Agent composes. Classifier, Provider,
// Store, and State are required; Commands is created from the store and
// status surface when nil; Extractor and Engine may be nil to disable
// workflows (requests downgrade to prompts).
type AgentDeps struct {
	Classifier *Classifier
	Commands   *CommandHandler
	Extractor  *Extractor
	Engine     *Engine
	Provider   Provider
	Store      Store
	State      *AgentState
	Registry   *Registry
}

// Agent is the composition root: it classifies each request and routes it
// to the command handler, the model, or the workflow engine. Dispatch is
// serial per session and concurrent across sessions.
type Agent struct {
	classifier *Classifier
	commands   *CommandHandler
	extractor  *Extractor
	engine     *Engine
	provider   Provider
	store      Store
	state      *AgentState
	registry   *Registry
	timeouts   Timeouts
	logger     *slog.Logger
	tracer     Tracer

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTimeouts overrides the default phase budgets.
func WithTimeouts(t Timeouts) AgentOption {
	return func(a *Agent) { a.timeouts = t }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithAgentTracer sets the tracer for request spans.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// NewAgent composes the dispatcher from its dependencies.
func NewAgent(deps AgentDeps, opts ...AgentOption) (*Agent, error) {
	if deps.Classifier == nil {
		return nil, Configurationf(CodeInternal, "agent requires a classifier")
	}
	if deps.Provider == nil {
		return nil, Configurationf(CodeInternal, "agent requires a model provider")
	}
	if deps.Store == nil {
		return nil, Configurationf(CodeInternal, "agent requires a store")
	}
	if deps.State == nil {
		deps.State = NewAgentState(ModelConfig{})
	}

	a := &Agent{
		classifier: deps.Classifier,
		commands:   deps.Commands,
		extractor:  deps.Extractor,
		engine:     deps.Engine,
		provider:   deps.Provider,
		store:      deps.Store,
		state:      deps.State,
		registry:   deps.Registry,
		timeouts:   DefaultTimeouts(),
		logger:     nopLogger,
		inflight:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.commands == nil {
		a.commands = NewCommandHandler(a.store, a.state, a.Status)
	}
	return a, nil
}

// Status snapshots the agent for the /status and /config built-ins.
func (a *Agent) Status(ctx context.Context) AgentStatus {
	model := a.state.Model()
	status := AgentStatus{
		Mode:       a.state.Mode(),
		ModelID:    model.ModelID,
		ProviderID: model.ProviderID,
		Uptime:     a.state.Uptime().Round(time.Second).String(),
	}
	if a.registry != nil {
		status.ToolNames = a.registry.Names()
	}
	if stats, err := a.store.Statistics(ctx); err == nil {
		status.SessionCount = stats.Sessions
	}
	return status
}

// sessionLock returns the per-session mutex, creating it on first use.
func (a *Agent) sessionLock(sessionID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.inflight[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		a.inflight[sessionID] = lock
	}
	return lock
}

// Process handles one request to completion. The returned Response is
// always populated; on failure it carries the error and err is non-nil.
func (a *Agent) Process(ctx context.Context, req Request) (Response, error) {
	start := timeNow()

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.process",
			StringAttr("session.id", req.Context.SessionID))
		defer span.End()
	}

	resp, err := a.process(ctx, req, nil)
	resp.ExecutionTimeMs = timeNow().Sub(start).Milliseconds()
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["agentProcessingTime"] = resp.ExecutionTimeMs

	if span != nil {
		span.SetAttr(
			StringAttr("response.kind", string(resp.Kind)),
			BoolAttr("response.success", resp.Success))
		if err != nil {
			span.Error(err)
		}
	}
	return resp, err
}

// Stream handles one request, emitting typed chunks into ch. The channel
// is closed when the stream ends. On failure the last chunk is a single
// error chunk; no completion chunk follows.
func (a *Agent) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) {
	defer close(ch)
	start := timeNow()

	resp, err := a.process(ctx, req, ch)
	if err != nil {
		ch <- StreamChunk{Type: ChunkError, Err: err.Error()}
		return
	}
	resp.ExecutionTimeMs = timeNow().Sub(start).Milliseconds()
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["agentProcessingTime"] = resp.ExecutionTimeMs
	ch <- StreamChunk{Type: ChunkCompletion, Response: &resp}
}

// process is the shared path for Process and Stream; ch is nil for the
// non-streaming path.
func (a *Agent) process(ctx context.Context, req Request, ch chan<- StreamChunk) (Response, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		err := Validationf(CodeValidation, "empty input")
		return errorResponse(KindPrompt, err), err
	}
	sessionID := req.Context.SessionID

	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.ensureSession(ctx, sessionID); err != nil {
		return errorResponse(KindPrompt, err), err
	}

	// State built-ins bypass classification and leave history untouched.
	if name, ok := a.directCommand(input); ok {
		a.logger.Debug("direct command", "command", name, "session", sessionID)
		return a.handleCommand(ctx, input, req.Context, nil, ch)
	}

	if err := a.store.AppendTurn(ctx, sessionID, UserTurn(input)); err != nil {
		return errorResponse(KindPrompt, err), err
	}

	if ch != nil {
		ch <- StreamChunk{Type: ChunkClassificationStart}
	}
	classifyStart := timeNow()
	classifyCtx, cancelClassify := context.WithTimeout(ctx, a.timeouts.Classification)
	requested := requestedMethod(req)
	classification := a.classifier.Classify(classifyCtx, input, requested, req.Context)
	cancelClassify()
	classificationMs := timeNow().Sub(classifyStart).Milliseconds()
	if ch != nil {
		ch <- StreamChunk{Type: ChunkClassificationEnd, Classification: &classification}
		ch <- StreamChunk{Type: ChunkProcessingStart}
	}

	var (
		resp Response
		err  error
	)
	switch classification.Kind {
	case KindCommand:
		resp, err = a.handleCommand(ctx, input, req.Context, &classification, ch)
	case KindWorkflow:
		resp, err = a.handleWorkflow(ctx, input, req.Context, &classification, ch)
	default:
		resp, err = a.handlePrompt(ctx, input, req.Context, &classification, ch, nil)
	}

	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["classification"] = map[string]any{
		"kind":       string(classification.Kind),
		"confidence": classification.Confidence,
		"method":     string(classification.Method),
	}
	resp.Metadata["classificationTimeMs"] = classificationMs
	resp.Confidence = classification.Confidence

	if err == nil && resp.Success {
		a.commitTurn(ctx, sessionID, resp)
	}
	return resp, err
}

func (a *Agent) directCommand(input string) (string, bool) {
	if !a.commands.IsCommand(input) {
		return "", false
	}
	name, _, err := a.commands.Parse(input)
	if err != nil {
		return "", false
	}
	return name, directCommands[name]
}

func (a *Agent) ensureSession(ctx context.Context, sessionID string) error {
	_, err := a.store.GetSession(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}
	now := timeNow()
	return a.store.CreateSession(ctx, Session{
		SessionID:      sessionID,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
}

// commitTurn appends the assistant turn and a processing event. Failures
// here degrade to logging; the response already succeeded.
func (a *Agent) commitTurn(ctx context.Context, sessionID string, resp Response) {
	if err := a.store.AppendTurn(ctx, sessionID, AssistantTurn(resp.Content)); err != nil {
		a.logger.Warn("assistant turn append failed", "session", sessionID, "error", err)
	}
	eventKind := string(resp.Kind)
	if resp.Kind == KindWorkflow {
		eventKind = "workflow_execution"
	}
	event := ProcessingEvent{
		EventID:   NewID(),
		SessionID: sessionID,
		Timestamp: timeNow(),
		Kind:      eventKind,
		Data: map[string]any{
			"success":           resp.Success,
			"execution_time_ms": resp.ExecutionTimeMs,
		},
	}
	if err := a.store.AddProcessingEvent(ctx, event); err != nil {
		a.logger.Warn("processing event append failed", "session", sessionID, "error", err)
	}
}

func (a *Agent) handleCommand(ctx context.Context, input string, reqCtx RequestContext, classification *ClassificationResult, ch chan<- StreamChunk) (Response, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, a.timeouts.CommandExecution)
	defer cancel()

	result, err := a.commands.Execute(cmdCtx, input, reqCtx)
	if err != nil {
		if ctxErr := cmdCtx.Err(); ctxErr != nil {
			err = FromContext(ctxErr)
		}
		return errorResponse(KindCommand, err), err
	}

	if ch != nil && classification == nil {
		// Direct built-ins skip classification, so open the stream here.
		ch <- StreamChunk{Type: ChunkProcessingStart}
	}
	if ch != nil {
		ch <- StreamChunk{Type: ChunkProcessing, Content: result.Content}
	}

	confidence := 1.0
	if classification != nil {
		confidence = classification.Confidence
	}
	return Response{
		Success:    result.Status == "success",
		Content:    result.Content,
		Kind:       KindCommand,
		Confidence: confidence,
		Metadata: map[string]any{
			"command": result.CommandName,
			"result":  result.Metadata,
		},
	}, nil
}

func (a *Agent) handlePrompt(ctx context.Context, input string, reqCtx RequestContext, classification *ClassificationResult, ch chan<- StreamChunk, extraMeta map[string]any) (Response, error) {
	promptCtx, cancel := context.WithTimeout(ctx, a.timeouts.PromptProcessing)
	defer cancel()

	messages := a.promptMessages(promptCtx, input, reqCtx.SessionID)
	req := ModelRequest{Messages: messages, Config: a.state.Model()}

	var (
		resp ModelResponse
		err  error
	)
	if ch != nil {
		mid := make(chan ModelChunk, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range mid {
				if chunk.Content != "" {
					ch <- StreamChunk{Type: ChunkProcessing, Content: chunk.Content}
				}
			}
		}()
		resp, err = a.provider.Stream(promptCtx, req, mid)
		close(mid)
		<-done
	} else {
		resp, err = a.provider.Invoke(promptCtx, req)
	}
	if err != nil {
		if ctxErr := promptCtx.Err(); ctxErr != nil {
			err = FromContext(ctxErr)
		} else {
			err = coerce(err, CategoryNetwork, CodeProviderFailure)
		}
		return errorResponse(KindPrompt, err), err
	}

	metadata := map[string]any{"usage": resp.Usage}
	for k, v := range extraMeta {
		metadata[k] = v
	}
	return Response{
		Success:  true,
		Content:  resp.Content,
		Kind:     KindPrompt,
		Metadata: metadata,
	}, nil
}

// promptMessages builds the model conversation from session history.
func (a *Agent) promptMessages(ctx context.Context, input, sessionID string) []ModelMessage {
	messages := []ModelMessage{
		SystemModelMessage("You are a coding assistant. Answer directly and precisely."),
	}
	if session, err := a.store.GetSession(ctx, sessionID); err == nil {
		history := session.History
		if len(history) > 20 {
			history = history[len(history)-20:]
		}
		for _, turn := range history {
			switch turn.Role {
			case "user":
				messages = append(messages, UserModelMessage(turn.Content))
			case "assistant":
				messages = append(messages, AssistantModelMessage(turn.Content))
			}
		}
	}
	// History already ends with the current user turn; append it only if
	// the store missed it.
	if len(messages) == 1 || messages[len(messages)-1].Content != input {
		messages = append(messages, UserModelMessage(input))
	}
	return messages
}

func (a *Agent) handleWorkflow(ctx context.Context, input string, reqCtx RequestContext, classification *ClassificationResult, ch chan<- StreamChunk) (Response, error) {
	if a.extractor == nil || a.engine == nil {
		return a.handlePrompt(ctx, input, reqCtx, classification, ch,
			map[string]any{"downgradedFrom": "workflow"})
	}

	wfCtx, cancel := context.WithTimeout(ctx, a.timeouts.WorkflowExecution)
	defer cancel()

	extraction := a.extractor.Extract(wfCtx, input, reqCtx)
	if !extraction.Success {
		a.logger.Info("workflow extraction failed, downgrading to prompt",
			"session", reqCtx.SessionID, "error", extraction.Err)
		return a.handlePrompt(ctx, input, reqCtx, classification, ch,
			map[string]any{"downgradedFrom": "workflow", "extractionError": extraction.Err})
	}

	wf, err := a.engine.Compile(extraction.Spec)
	if err != nil {
		return a.handlePrompt(ctx, input, reqCtx, classification, ch,
			map[string]any{"downgradedFrom": "workflow", "extractionError": err.Error()})
	}

	state := WorkflowState{
		"input":       input,
		"sessionId":   reqCtx.SessionID,
		"patternName": string(extraction.Pattern),
	}

	var result WorkflowResult
	if ch != nil {
		mid := make(chan EngineChunk, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range mid {
				if chunk.Err != "" {
					continue // surfaced via the returned error
				}
				ch <- StreamChunk{Type: ChunkProcessing, NodeID: chunk.NodeID}
			}
		}()
		result, err = a.engine.StreamExec(wfCtx, wf, state, mid)
		close(mid)
		<-done
	} else {
		result, err = a.engine.Execute(wfCtx, wf, state)
	}
	if err != nil {
		if ctxErr := wfCtx.Err(); ctxErr != nil {
			err = FromContext(ctxErr)
		}
		resp := errorResponse(KindWorkflow, err)
		resp.Metadata["workflowId"] = result.WorkflowID
		return resp, err
	}

	return Response{
		Success:   true,
		Content:   stateString(result.FinalState, "output"),
		Kind:      KindWorkflow,
		ToolsUsed: toolsUsed(result.FinalState),
		Metadata: map[string]any{
			"workflowId":    result.WorkflowID,
			"executionPath": result.ExecutionPath,
			"nodeCount":     result.NodeCount,
			"pattern":       string(extraction.Pattern),
			"extraction":    string(extraction.Method),
		},
	}, nil
}

// toolsUsed lists distinct tool names from the state's evidence, in first
// use order.
func toolsUsed(state WorkflowState) []string {
	results, ok := state["toolResults"].([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, item := range results {
		r, ok := item.(ToolResult)
		if !ok || seen[r.ToolName] {
			continue
		}
		seen[r.ToolName] = true
		names = append(names, r.ToolName)
	}
	return names
}

func requestedMethod(req Request) ClassifyMethod {
	if req.Options == nil {
		return ""
	}
	if m, ok := req.Options["classifyMethod"].(string); ok {
		return ClassifyMethod(m)
	}
	return ""
}

func errorResponse(kind Kind, err error) Response {
	return Response{
		Success: false,
		Content: err.Error(),
		Kind:    kind,
		Err:     err.Error(),
		Metadata: map[string]any{
			"errorCode":     CodeOf(err),
			"errorCategory": string(CategoryOf(err)),
		},
	}
}
