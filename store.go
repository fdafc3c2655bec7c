package pilot

import (
	"context"
	"time"
)

// StoreLimits bounds what a store retains. Zero values fall back to the
// defaults.
type StoreLimits struct {
	// MaxSessions caps live sessions; overflow evicts least recently
	// accessed first.
	MaxSessions int `toml:"max_sessions" json:"max_sessions"`
	// MaxHistorySize caps turns per session; overflow drops oldest.
	MaxHistorySize int `toml:"max_history_size" json:"max_history_size"`
	// MaxEventsPerSession caps processing events; overflow drops oldest.
	MaxEventsPerSession int `toml:"max_events_per_session" json:"max_events_per_session"`
	// SessionTTL evicts sessions idle longer than this.
	SessionTTL time.Duration `toml:"session_ttl" json:"session_ttl"`
	// CleanupInterval is the period of the background cleanup pass.
	CleanupInterval time.Duration `toml:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultLimits returns the built-in retention limits.
func DefaultLimits() StoreLimits {
	return StoreLimits{
		MaxSessions:         1000,
		MaxHistorySize:      100,
		MaxEventsPerSession: 1000,
		SessionTTL:          24 * time.Hour,
		CleanupInterval:     time.Hour,
	}
}

// Normalize fills zero fields from the defaults.
func (l StoreLimits) Normalize() StoreLimits {
	d := DefaultLimits()
	if l.MaxSessions <= 0 {
		l.MaxSessions = d.MaxSessions
	}
	if l.MaxHistorySize <= 0 {
		l.MaxHistorySize = d.MaxHistorySize
	}
	if l.MaxEventsPerSession <= 0 {
		l.MaxEventsPerSession = d.MaxEventsPerSession
	}
	if l.SessionTTL <= 0 {
		l.SessionTTL = d.SessionTTL
	}
	if l.CleanupInterval <= 0 {
		l.CleanupInterval = d.CleanupInterval
	}
	return l
}

// ConversationState is the mutable per-session working state the engine
// reads and writes between requests.
type ConversationState struct {
	SessionID string         `json:"session_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	State     map[string]any `json:"state"`
}

// Checkpoint is a snapshot of workflow state after one node, keyed by
// workflow ID and step index so interrupted runs can resume.
type Checkpoint struct {
	WorkflowID string        `json:"workflow_id"`
	StepIndex  int           `json:"step_index"`
	SessionID  string        `json:"session_id,omitempty"`
	NodeID     string        `json:"node_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	State      WorkflowState `json:"state"`
}

// StoreStats summarises store contents.
type StoreStats struct {
	Sessions      int   `json:"sessions"`
	Conversations int   `json:"conversations"`
	Events        int   `json:"events"`
	Checkpoints   int   `json:"checkpoints"`
	Evicted       int64 `json:"evicted"`
}

// Store is the persistence contract shared by all backends. Session reads
// bump LastAccessedAt; retention follows StoreLimits. A missing record is
// always a NOT_FOUND error.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	// AppendTurn adds a turn to the session history, trimming oldest turns
	// past MaxHistorySize.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error

	SaveConversationState(ctx context.Context, sessionID string, state map[string]any) error
	GetConversationState(ctx context.Context, sessionID string) (ConversationState, error)

	// AddProcessingEvent appends to the session's event log, trimming
	// oldest events past MaxEventsPerSession.
	AddProcessingEvent(ctx context.Context, event ProcessingEvent) error
	// GetProcessingHistory returns newest-last events; limit <= 0 means all
	// retained events.
	GetProcessingHistory(ctx context.Context, sessionID string, limit int) ([]ProcessingEvent, error)

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, workflowID string, stepIndex int) (Checkpoint, error)

	// Cleanup evicts expired and over-limit sessions, returning how many
	// were removed.
	Cleanup(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (StoreStats, error)
	// Shutdown stops background work and flushes pending writes. The store
	// is unusable afterwards.
	Shutdown(ctx context.Context) error
}
