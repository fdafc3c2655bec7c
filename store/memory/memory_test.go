package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nvallen/pilot"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, pilot.Session{SessionID: "s1", Domain: "coding"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Domain != "coding" || got.CreatedAt.IsZero() || got.LastAccessedAt.IsZero() {
		t.Errorf("session = %+v", got)
	}

	got.Domain = "writing"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.Domain != "writing" {
		t.Errorf("domain = %q after update", got.Domain)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !pilot.IsNotFound(err) {
		t.Errorf("err after delete = %v, want NOT_FOUND", err)
	}
}

func TestNotFoundErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "nope"); !pilot.IsNotFound(err) {
		t.Errorf("GetSession err = %v", err)
	}
	if err := s.UpdateSession(ctx, pilot.Session{SessionID: "nope"}); !pilot.IsNotFound(err) {
		t.Errorf("UpdateSession err = %v", err)
	}
	if err := s.AppendTurn(ctx, "nope", pilot.UserTurn("x")); !pilot.IsNotFound(err) {
		t.Errorf("AppendTurn err = %v", err)
	}
	if _, err := s.GetConversationState(ctx, "nope"); !pilot.IsNotFound(err) {
		t.Errorf("GetConversationState err = %v", err)
	}
	if _, err := s.GetCheckpoint(ctx, "nope", 0); !pilot.IsNotFound(err) {
		t.Errorf("GetCheckpoint err = %v", err)
	}
}

func TestCreateSessionRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	if err := s.CreateSession(ctx, pilot.Session{SessionID: "s1"}); !pilot.IsCode(err, pilot.CodeValidation) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := s.CreateSession(ctx, pilot.Session{}); !pilot.IsCode(err, pilot.CodeValidation) {
		t.Errorf("empty id err = %v", err)
	}
}

func TestHistoryTrimsOldestTurns(t *testing.T) {
	s := newTestStore(t, WithLimits(pilot.StoreLimits{MaxHistorySize: 3}))
	ctx := context.Background()
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})

	for i := 0; i < 5; i++ {
		if err := s.AppendTurn(ctx, "s1", pilot.UserTurn(fmt.Sprintf("turn %d", i))); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}
	session, _ := s.GetSession(ctx, "s1")
	if len(session.History) != 3 {
		t.Fatalf("history = %d turns, want 3", len(session.History))
	}
	if session.History[0].Content != "turn 2" {
		t.Errorf("oldest retained turn = %q, want turn 2", session.History[0].Content)
	}
}

func TestEventsTrimPerSession(t *testing.T) {
	s := newTestStore(t, WithLimits(pilot.StoreLimits{MaxEventsPerSession: 2}))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := s.AddProcessingEvent(ctx, pilot.ProcessingEvent{
			EventID:   fmt.Sprintf("e%d", i),
			SessionID: "s1",
			Kind:      "prompt",
		})
		if err != nil {
			t.Fatalf("AddProcessingEvent: %v", err)
		}
	}
	events, err := s.GetProcessingHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetProcessingHistory: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e2" {
		t.Errorf("events = %v", events)
	}

	limited, _ := s.GetProcessingHistory(ctx, "s1", 1)
	if len(limited) != 1 || limited[0].EventID != "e3" {
		t.Errorf("limited = %v", limited)
	}
}

func TestConversationStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveConversationState(ctx, "s1", map[string]any{"cursor": "file.go:10"}); err != nil {
		t.Fatalf("SaveConversationState: %v", err)
	}
	state, err := s.GetConversationState(ctx, "s1")
	if err != nil {
		t.Fatalf("GetConversationState: %v", err)
	}
	if state.State["cursor"] != "file.go:10" || state.UpdatedAt.IsZero() {
		t.Errorf("state = %+v", state)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := pilot.Checkpoint{
		WorkflowID: "wf1",
		StepIndex:  2,
		NodeID:     "reasoning",
		State:      pilot.WorkflowState{"input": "task"},
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := s.GetCheckpoint(ctx, "wf1", 2)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.NodeID != "reasoning" || got.State["input"] != "task" || got.CreatedAt.IsZero() {
		t.Errorf("checkpoint = %+v", got)
	}
	if err := s.SaveCheckpoint(ctx, pilot.Checkpoint{}); !pilot.IsCode(err, pilot.CodeValidation) {
		t.Errorf("empty workflow id err = %v", err)
	}
}

func TestCleanupEvictsExpiredSessions(t *testing.T) {
	s := newTestStore(t, WithLimits(pilot.StoreLimits{SessionTTL: time.Hour}))
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "old", CreatedAt: stale, LastAccessedAt: stale})
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "fresh"})

	removed, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetSession(ctx, "old"); !pilot.IsNotFound(err) {
		t.Errorf("expired session survived: %v", err)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Errorf("fresh session evicted: %v", err)
	}
	stats, _ := s.Statistics(ctx)
	if stats.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", stats.Evicted)
	}
}

func TestCreateSessionEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(t, WithLimits(pilot.StoreLimits{MaxSessions: 2}))
	ctx := context.Background()

	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s2"})
	// Touching s1 makes s2 the LRU victim when the cap overflows.
	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s3"})

	if _, err := s.GetSession(ctx, "s2"); !pilot.IsNotFound(err) {
		t.Errorf("s2 survived over-cap create: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Errorf("s1 evicted: %v", err)
	}
	stats, _ := s.Statistics(ctx)
	if stats.Sessions != 2 || stats.Evicted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	_ = s.SaveConversationState(ctx, "s1", map[string]any{"k": "v"})
	_ = s.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: "e1", SessionID: "s1", Kind: "prompt"})
	_ = s.SaveCheckpoint(ctx, pilot.Checkpoint{WorkflowID: "wf1"})

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Sessions != 1 || stats.Conversations != 1 || stats.Events != 1 || stats.Checkpoints != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestDeleteSessionRemovesRelatedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	_ = s.SaveConversationState(ctx, "s1", map[string]any{"k": "v"})
	_ = s.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: "e1", SessionID: "s1", Kind: "prompt"})

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetConversationState(ctx, "s1"); !pilot.IsNotFound(err) {
		t.Errorf("conversation state survived delete: %v", err)
	}
	events, _ := s.GetProcessingHistory(ctx, "s1", 0)
	if len(events) != 0 {
		t.Errorf("events survived delete: %v", events)
	}
}
