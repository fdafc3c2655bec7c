package pilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// --- Provider stubs (shared across classifier, engine, dispatcher tests) ---

// stubProvider returns scripted replies in order. When replyFn is set it
// takes precedence and computes the reply from the request.
type stubProvider struct {
	mu      sync.Mutex
	replies []string
	next    int
	replyFn func(req ModelRequest) (string, error)
	err     error
	calls   []ModelRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Invoke(_ context.Context, req ModelRequest) (ModelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return ModelResponse{}, p.err
	}
	if p.replyFn != nil {
		content, err := p.replyFn(req)
		if err != nil {
			return ModelResponse{}, err
		}
		return ModelResponse{Content: content, FinishReason: FinishCompleted}, nil
	}
	if p.next >= len(p.replies) {
		return ModelResponse{}, errors.New("stub provider: no more scripted replies")
	}
	content := p.replies[p.next]
	p.next++
	return ModelResponse{Content: content, FinishReason: FinishCompleted}, nil
}

func (p *stubProvider) Stream(ctx context.Context, req ModelRequest, ch chan<- ModelChunk) (ModelResponse, error) {
	resp, err := p.Invoke(ctx, req)
	if err != nil {
		return ModelResponse{}, err
	}
	ch <- ModelChunk{Content: resp.Content}
	ch <- ModelChunk{Final: true, Usage: resp.Usage}
	return resp, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// --- Tool stubs ---

// stubTool is a configurable test tool. execute defaults to echoing the
// "text" input field.
type stubTool struct {
	name     string
	safe     bool
	readOnly bool
	schema   map[string]any
	execute  func(ctx context.Context, input map[string]any) (string, error)
	perms    func(ctx context.Context, input map[string]any) error
	cleanup  func(ctx context.Context) error
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Version() string     { return "1.0.0" }
func (t *stubTool) Description() string { return "test tool " + t.name }
func (t *stubTool) ReadOnly() bool      { return t.readOnly }

func (t *stubTool) ConcurrencySafe() bool { return t.safe }

func (t *stubTool) InputSchema() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}

func (t *stubTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	if t.execute != nil {
		return t.execute(ctx, input)
	}
	text, _ := input["text"].(string)
	return "echo: " + text, nil
}

func (t *stubTool) CheckPermissions(ctx context.Context, input map[string]any) error {
	if t.perms != nil {
		return t.perms(ctx, input)
	}
	return nil
}

func (t *stubTool) Cleanup(ctx context.Context) error {
	if t.cleanup != nil {
		return t.cleanup(ctx)
	}
	return nil
}

// newToolStack wires a registry, gateway, and executor around the given
// tools, returning the engine-facing facade as well.
func newToolStack(tools ...*stubTool) (*Registry, *Executor, ToolGateway) {
	registry := NewRegistry()
	for _, t := range tools {
		_ = registry.Register(t, ToolMeta{Category: "default"}, RegisterOptions{})
	}
	gateway := NewGateway()
	executor := NewExecutor(registry, gateway)
	return registry, executor, NewToolGateway(registry, executor)
}

// --- Store fake ---

// fakeStore is a minimal in-memory Store for dispatcher and engine tests.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]Session
	events      map[string][]ProcessingEvent
	checkpoints map[string]Checkpoint
	states      map[string]ConversationState

	failAppend bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[string]Session),
		events:      make(map[string][]ProcessingEvent),
		checkpoints: make(map[string]Checkpoint),
		states:      make(map[string]ConversationState),
	}
}

var _ Store = (*fakeStore)(nil)

func (s *fakeStore) CreateSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return Validationf(CodeValidation, "session %s already exists", session.SessionID)
	}
	s.sessions[session.SessionID] = session
	return nil
}

func (s *fakeStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, Businessf(CodeNotFound, "session %s not found", sessionID)
	}
	return session, nil
}

func (s *fakeStore) UpdateSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; !ok {
		return Businessf(CodeNotFound, "session %s not found", session.SessionID)
	}
	s.sessions[session.SessionID] = session
	return nil
}

func (s *fakeStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *fakeStore) AppendTurn(_ context.Context, sessionID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return Systemf(CodeInternal, "append disabled")
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return Businessf(CodeNotFound, "session %s not found", sessionID)
	}
	session.History = append(session.History, turn)
	s.sessions[sessionID] = session
	return nil
}

func (s *fakeStore) SaveConversationState(_ context.Context, sessionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = ConversationState{SessionID: sessionID, State: state}
	return nil
}

func (s *fakeStore) GetConversationState(_ context.Context, sessionID string) (ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sessionID]
	if !ok {
		return ConversationState{}, Businessf(CodeNotFound, "no conversation state for %s", sessionID)
	}
	return state, nil
}

func (s *fakeStore) AddProcessingEvent(_ context.Context, event ProcessingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

func (s *fakeStore) GetProcessingHistory(_ context.Context, sessionID string, limit int) ([]ProcessingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[sessionID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]ProcessingEvent(nil), events...), nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey(cp.WorkflowID, cp.StepIndex)] = cp
	return nil
}

func (s *fakeStore) GetCheckpoint(_ context.Context, workflowID string, stepIndex int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey(workflowID, stepIndex)]
	if !ok {
		return Checkpoint{}, Businessf(CodeNotFound, "no checkpoint %s/%d", workflowID, stepIndex)
	}
	return cp, nil
}

func (s *fakeStore) Cleanup(context.Context) (int, error) { return 0, nil }

func (s *fakeStore) Statistics(context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{Sessions: len(s.sessions)}, nil
}

func (s *fakeStore) Shutdown(context.Context) error { return nil }

func (s *fakeStore) historyLen(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[sessionID].History)
}

func (s *fakeStore) checkpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

func checkpointKey(workflowID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", workflowID, stepIndex)
}

// seedSession creates a session with the given turns already recorded.
func (s *fakeStore) seedSession(sessionID string, turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sessions[sessionID] = Session{
		SessionID:      sessionID,
		CreatedAt:      now,
		LastAccessedAt: now,
		History:        turns,
	}
}
