// Package sqlite implements pilot.Store on pure-Go SQLite. Zero CGO
// required. Sessions, conversation state, events, and checkpoints live in
// one database file; complex values are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvallen/pilot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the default retention limits.
func WithLimits(l pilot.StoreLimits) Option {
	return func(s *Store) { s.limits = l.Normalize() }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the SQLite backend.
type Store struct {
	db     *sql.DB
	limits pilot.StoreLimits
	logger *slog.Logger

	stopJanitor chan struct{}
	janitorDone chan struct{}
	closed      bool
}

var _ pilot.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath. A single shared
// connection serialises all goroutines through one writer, eliminating
// SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:          db,
		limits:      pilot.DefaultLimits(),
		logger:      slog.New(slog.DiscardHandler),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates all required tables and starts the cleanup janitor.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			domain TEXT,
			metadata TEXT,
			history TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			workflow_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			session_id TEXT,
			node_id TEXT,
			created_at INTEGER NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY (workflow_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return pilot.Systemf(pilot.CodeInternal, "create table: %v", err)
		}
	}
	go s.janitor()
	s.logger.Debug("sqlite: store initialised")
	return nil
}

func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.limits.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.Cleanup(context.Background()); err == nil && n > 0 {
				s.logger.Debug("janitor evicted sessions", "count", n)
			}
		case <-s.stopJanitor:
			return
		}
	}
}

func marshal(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func (s *Store) CreateSession(ctx context.Context, session pilot.Session) error {
	if session.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "create session: empty session id")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastAccessedAt.IsZero() {
		session.LastAccessedAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at, last_accessed_at, domain, metadata, history)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.CreatedAt.UnixMilli(), session.LastAccessedAt.UnixMilli(),
		session.Domain, marshal(session.Metadata), marshal(session.History))
	if err != nil {
		return pilot.Validationf(pilot.CodeValidation, "session %s already exists", session.SessionID)
	}
	s.enforceSessionCap(ctx)
	return nil
}

func (s *Store) scanSession(row *sql.Row) (pilot.Session, error) {
	var (
		session            pilot.Session
		created, accessed  int64
		metadata, history  string
	)
	err := row.Scan(&session.SessionID, &created, &accessed, &session.Domain, &metadata, &history)
	if err == sql.ErrNoRows {
		return pilot.Session{}, pilot.Businessf(pilot.CodeNotFound, "session not found")
	}
	if err != nil {
		return pilot.Session{}, pilot.Systemf(pilot.CodeInternal, "scan session: %v", err)
	}
	session.CreatedAt = time.UnixMilli(created)
	session.LastAccessedAt = time.UnixMilli(accessed)
	json.Unmarshal([]byte(metadata), &session.Metadata)
	json.Unmarshal([]byte(history), &session.History)
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (pilot.Session, error) {
	session, err := s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT session_id, created_at, last_accessed_at, domain, metadata, history
		 FROM sessions WHERE session_id = ?`, sessionID))
	if err != nil {
		return pilot.Session{}, err
	}
	session.LastAccessedAt = time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE session_id = ?`,
		session.LastAccessedAt.UnixMilli(), sessionID)
	if err != nil {
		return pilot.Session{}, pilot.Systemf(pilot.CodeInternal, "touch session: %v", err)
	}
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, session pilot.Session) error {
	session.LastAccessedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ?, domain = ?, metadata = ?, history = ?
		 WHERE session_id = ?`,
		session.LastAccessedAt.UnixMilli(), session.Domain,
		marshal(session.Metadata), marshal(session.History), session.SessionID)
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "update session: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pilot.Businessf(pilot.CodeNotFound, "session %s not found", session.SessionID)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "delete session: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pilot.Businessf(pilot.CodeNotFound, "session %s not found", sessionID)
	}
	s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
	s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn pilot.Turn) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.History = append(session.History, turn)
	if over := len(session.History) - s.limits.MaxHistorySize; over > 0 {
		session.History = session.History[over:]
	}
	return s.UpdateSession(ctx, session)
}

func (s *Store) SaveConversationState(ctx context.Context, sessionID string, state map[string]any) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, updated_at, state) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at, state = excluded.state`,
		sessionID, time.Now().UnixMilli(), marshal(state))
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "save conversation state: %v", err)
	}
	return nil
}

func (s *Store) GetConversationState(ctx context.Context, sessionID string) (pilot.ConversationState, error) {
	var (
		updated int64
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at, state FROM conversations WHERE session_id = ?`, sessionID).
		Scan(&updated, &raw)
	if err == sql.ErrNoRows {
		return pilot.ConversationState{}, pilot.Businessf(pilot.CodeNotFound, "conversation state %s not found", sessionID)
	}
	if err != nil {
		return pilot.ConversationState{}, pilot.Systemf(pilot.CodeInternal, "get conversation state: %v", err)
	}
	state := pilot.ConversationState{SessionID: sessionID, UpdatedAt: time.UnixMilli(updated)}
	json.Unmarshal([]byte(raw), &state.State)
	return state, nil
}

func (s *Store) AddProcessingEvent(ctx context.Context, event pilot.ProcessingEvent) error {
	if event.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "processing event without session id")
	}
	if event.EventID == "" {
		event.EventID = pilot.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, created_at, kind, data) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, event.Timestamp.UnixMilli(), event.Kind, marshal(event.Data))
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "add event: %v", err)
	}
	// Trim overflow, oldest first.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND event_id NOT IN (
			SELECT event_id FROM events WHERE session_id = ?
			ORDER BY created_at DESC, event_id DESC LIMIT ?)`,
		event.SessionID, event.SessionID, s.limits.MaxEventsPerSession)
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "trim events: %v", err)
	}
	return nil
}

func (s *Store) GetProcessingHistory(ctx context.Context, sessionID string, limit int) ([]pilot.ProcessingEvent, error) {
	if limit <= 0 {
		limit = s.limits.MaxEventsPerSession
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, created_at, kind, data FROM (
			SELECT * FROM events WHERE session_id = ?
			ORDER BY created_at DESC, event_id DESC LIMIT ?
		) ORDER BY created_at ASC, event_id ASC`, sessionID, limit)
	if err != nil {
		return nil, pilot.Systemf(pilot.CodeInternal, "get events: %v", err)
	}
	defer rows.Close()

	var events []pilot.ProcessingEvent
	for rows.Next() {
		var (
			event   pilot.ProcessingEvent
			created int64
			data    string
		)
		if err := rows.Scan(&event.EventID, &event.SessionID, &created, &event.Kind, &data); err != nil {
			return nil, pilot.Systemf(pilot.CodeInternal, "scan event: %v", err)
		}
		event.Timestamp = time.UnixMilli(created)
		json.Unmarshal([]byte(data), &event.Data)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp pilot.Checkpoint) error {
	if cp.WorkflowID == "" {
		return pilot.Validationf(pilot.CodeValidation, "checkpoint without workflow id")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, step_index, session_id, node_id, created_at, state)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, step_index) DO UPDATE SET
			session_id = excluded.session_id, node_id = excluded.node_id,
			created_at = excluded.created_at, state = excluded.state`,
		cp.WorkflowID, cp.StepIndex, cp.SessionID, cp.NodeID, cp.CreatedAt.UnixMilli(), marshal(cp.State))
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "save checkpoint: %v", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, workflowID string, stepIndex int) (pilot.Checkpoint, error) {
	var (
		cp      = pilot.Checkpoint{WorkflowID: workflowID, StepIndex: stepIndex}
		created int64
		state   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, node_id, created_at, state FROM checkpoints
		 WHERE workflow_id = ? AND step_index = ?`, workflowID, stepIndex).
		Scan(&cp.SessionID, &cp.NodeID, &created, &state)
	if err == sql.ErrNoRows {
		return pilot.Checkpoint{}, pilot.Businessf(pilot.CodeNotFound, "checkpoint %s/%d not found", workflowID, stepIndex)
	}
	if err != nil {
		return pilot.Checkpoint{}, pilot.Systemf(pilot.CodeInternal, "get checkpoint: %v", err)
	}
	cp.CreatedAt = time.UnixMilli(created)
	json.Unmarshal([]byte(state), &cp.State)
	return cp, nil
}

func (s *Store) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.limits.SessionTTL).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, pilot.Systemf(pilot.CodeInternal, "cleanup: %v", err)
	}
	removed64, _ := result.RowsAffected()
	removed := int(removed64)
	removed += s.enforceSessionCap(ctx)
	s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id NOT IN (SELECT session_id FROM sessions)`)
	s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id NOT IN (SELECT session_id FROM sessions)`)
	return removed, nil
}

// enforceSessionCap drops least recently accessed sessions above the cap.
func (s *Store) enforceSessionCap(ctx context.Context) int {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions
			ORDER BY last_accessed_at DESC LIMIT -1 OFFSET ?)`, s.limits.MaxSessions)
	if err != nil {
		return 0
	}
	n, _ := result.RowsAffected()
	return int(n)
}

func (s *Store) Statistics(ctx context.Context) (pilot.StoreStats, error) {
	var stats pilot.StoreStats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM events),
		(SELECT COUNT(*) FROM checkpoints)`)
	if err := row.Scan(&stats.Sessions, &stats.Conversations, &stats.Events, &stats.Checkpoints); err != nil {
		return pilot.StoreStats{}, pilot.Systemf(pilot.CodeInternal, "statistics: %v", err)
	}
	return stats, nil
}

func (s *Store) Shutdown(_ context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopJanitor)
	<-s.janitorDone
	if err := s.db.Close(); err != nil {
		return pilot.Systemf(pilot.CodeInternal, "close database: %v", err)
	}
	return nil
}
