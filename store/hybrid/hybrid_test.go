package hybrid

import (
	"context"
	"testing"

	"github.com/nvallen/pilot"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestReadYourWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, pilot.Session{SessionID: "s1", Domain: "coding"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.AppendTurn(ctx, "s1", pilot.UserTurn("hello")); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	session, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Domain != "coding" || len(session.History) != 1 {
		t.Errorf("session = %+v", session)
	}
	// Both layers hold the turn, so reads agree regardless of which serves.
	mem, _ := s.mem.GetSession(ctx, "s1")
	disk, _ := s.disk.GetSession(ctx, "s1")
	if len(mem.History) != 1 || len(disk.History) != 1 {
		t.Errorf("layer histories = %d/%d, want 1/1", len(mem.History), len(disk.History))
	}
}

func TestGetSessionWarmsMemoryFromDisk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Write straight to disk so the memory layer has never seen the session.
	if err := s.disk.CreateSession(ctx, pilot.Session{SessionID: "cold", Domain: "coding"}); err != nil {
		t.Fatalf("disk CreateSession: %v", err)
	}
	session, err := s.GetSession(ctx, "cold")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Domain != "coding" {
		t.Errorf("session = %+v", session)
	}
	if _, err := s.mem.GetSession(ctx, "cold"); err != nil {
		t.Errorf("memory layer not warmed: %v", err)
	}
}

func TestAppendTurnReloadsOnMemoryMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.disk.CreateSession(ctx, pilot.Session{SessionID: "cold"})
	if err := s.AppendTurn(ctx, "cold", pilot.UserTurn("first")); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	// The disk copy carries the turn and the reload brought it into memory.
	mem, err := s.mem.GetSession(ctx, "cold")
	if err != nil {
		t.Fatalf("memory layer not reloaded: %v", err)
	}
	if len(mem.History) != 1 || mem.History[0].Content != "first" {
		t.Errorf("memory history = %+v", mem.History)
	}
}

func TestDeleteRemovesBothLayers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !pilot.IsNotFound(err) {
		t.Errorf("session survived delete: %v", err)
	}
	if _, err := s.disk.GetSession(ctx, "s1"); !pilot.IsNotFound(err) {
		t.Errorf("disk copy survived delete: %v", err)
	}
}

func TestConversationStateFallsBackToDisk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.disk.SaveConversationState(ctx, "cold", map[string]any{"k": "v"})
	state, err := s.GetConversationState(ctx, "cold")
	if err != nil {
		t.Fatalf("GetConversationState: %v", err)
	}
	if state.State["k"] != "v" {
		t.Errorf("state = %+v", state)
	}
	if _, err := s.mem.GetConversationState(ctx, "cold"); err != nil {
		t.Errorf("memory layer not warmed: %v", err)
	}
}

func TestCheckpointFallsBackToDisk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.disk.SaveCheckpoint(ctx, pilot.Checkpoint{WorkflowID: "wf1", StepIndex: 3, NodeID: "reasoning"})
	cp, err := s.GetCheckpoint(ctx, "wf1", 3)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.NodeID != "reasoning" {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestStatisticsReportDurableLayer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, pilot.Session{SessionID: "s1"})
	// A memory-only write must not inflate the authoritative counts.
	_ = s.mem.CreateSession(ctx, pilot.Session{SessionID: "ghost"})

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Sessions != 1 {
		t.Errorf("sessions = %d, want the durable count", stats.Sessions)
	}
}

func TestProcessingHistoryReadsDurableLayer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: "e1", SessionID: "s1", Kind: "prompt"})
	events, err := s.GetProcessingHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetProcessingHistory: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "e1" {
		t.Errorf("events = %v", events)
	}

	// Disk-only events surface even though the memory layer never saw them.
	_ = s.disk.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: "e2", SessionID: "cold", Kind: "prompt"})
	events, _ = s.GetProcessingHistory(ctx, "cold", 0)
	if len(events) != 1 || events[0].EventID != "e2" {
		t.Errorf("cold events = %v", events)
	}
}

func TestProcessingHistorySurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		if err := s.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: id, SessionID: "s1", Kind: "prompt"}); err != nil {
			t.Fatalf("AddProcessingEvent %s: %v", id, err)
		}
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reopened, err := New(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Shutdown(ctx)

	// A post-restart event must not shadow the history already on disk.
	if err := reopened.AddProcessingEvent(ctx, pilot.ProcessingEvent{EventID: "e4", SessionID: "s1", Kind: "prompt"}); err != nil {
		t.Fatalf("AddProcessingEvent e4: %v", err)
	}
	events, err := reopened.GetProcessingHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetProcessingHistory: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events after reopen = %d, want 4", len(events))
	}
	for i, want := range []string{"e1", "e2", "e3", "e4"} {
		if events[i].EventID != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].EventID, want)
		}
	}
}
