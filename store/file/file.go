// Package file provides the file-backed store. Each session's data lives
// in one JSON file per concern under sessions/, conversations/, events/,
// and checkpoints/. Writes go to a temp file and rename into place so a
// crash mid-write leaves the previous file intact.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nvallen/pilot"
)

const (
	dirSessions      = "sessions"
	dirConversations = "conversations"
	dirEvents        = "events"
	dirCheckpoints   = "checkpoints"
)

// Store is the file-backed backend rooted at one directory.
type Store struct {
	root    string
	limits  pilot.StoreLimits
	logger  *slog.Logger
	mu      sync.Mutex
	evicted int64

	stopJanitor chan struct{}
	janitorDone chan struct{}
	closed      bool
}

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the default retention limits.
func WithLimits(l pilot.StoreLimits) Option {
	return func(s *Store) { s.limits = l.Normalize() }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a file store under root, creating the directory layout.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:        root,
		limits:      pilot.DefaultLimits(),
		logger:      slog.New(slog.DiscardHandler),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{dirSessions, dirConversations, dirEvents, dirCheckpoints} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, pilot.Systemf(pilot.CodeInternal, "create store dir: %v", err)
		}
	}
	go s.janitor()
	return s, nil
}

var _ pilot.Store = (*Store)(nil)

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

// safeName maps an ID onto a filesystem-safe filename.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func (s *Store) path(dir, id string) string {
	return filepath.Join(s.root, dir, safeName(id)+".json")
}

func (s *Store) checkpointPath(workflowID string, stepIndex int) string {
	return filepath.Join(s.root, dirCheckpoints,
		fmt.Sprintf("%s-%d.json", safeName(workflowID), stepIndex))
}

// writeJSON persists v durably: marshal, write to a temp file in the same
// directory, sync, then rename over the target.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "marshal %s: %v", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "create temp file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return pilot.Systemf(pilot.CodeInternal, "write %s: %v", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return pilot.Systemf(pilot.CodeInternal, "rename %s: %v", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pilot.Businessf(pilot.CodeNotFound, "%s not found", filepath.Base(path))
	}
	if err != nil {
		return pilot.Systemf(pilot.CodeInternal, "read %s: %v", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return pilot.Systemf(pilot.CodeInternal, "decode %s: %v", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) CreateSession(_ context.Context, session pilot.Session) error {
	if session.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "create session: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(dirSessions, session.SessionID)
	if _, err := os.Stat(path); err == nil {
		return pilot.Validationf(pilot.CodeValidation, "session %s already exists", session.SessionID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastAccessedAt.IsZero() {
		session.LastAccessedAt = session.CreatedAt
	}
	return writeJSON(path, session)
}

func (s *Store) GetSession(_ context.Context, sessionID string) (pilot.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(sessionID)
}

func (s *Store) getSessionLocked(sessionID string) (pilot.Session, error) {
	var session pilot.Session
	if err := readJSON(s.path(dirSessions, sessionID), &session); err != nil {
		return pilot.Session{}, err
	}
	session.LastAccessedAt = time.Now()
	if err := writeJSON(s.path(dirSessions, sessionID), session); err != nil {
		return pilot.Session{}, err
	}
	return session, nil
}

func (s *Store) UpdateSession(_ context.Context, session pilot.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(dirSessions, session.SessionID)
	if _, err := os.Stat(path); err != nil {
		return pilot.Businessf(pilot.CodeNotFound, "session %s not found", session.SessionID)
	}
	session.LastAccessedAt = time.Now()
	return writeJSON(path, session)
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(sessionID)
}

func (s *Store) deleteLocked(sessionID string) error {
	path := s.path(dirSessions, sessionID)
	if _, err := os.Stat(path); err != nil {
		return pilot.Businessf(pilot.CodeNotFound, "session %s not found", sessionID)
	}
	if err := os.Remove(path); err != nil {
		return pilot.Systemf(pilot.CodeInternal, "delete session: %v", err)
	}
	os.Remove(s.path(dirConversations, sessionID))
	os.Remove(s.path(dirEvents, sessionID))
	return nil
}

func (s *Store) AppendTurn(_ context.Context, sessionID string, turn pilot.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var session pilot.Session
	if err := readJSON(s.path(dirSessions, sessionID), &session); err != nil {
		return err
	}
	session.History = append(session.History, turn)
	if over := len(session.History) - s.limits.MaxHistorySize; over > 0 {
		session.History = session.History[over:]
	}
	session.LastAccessedAt = time.Now()
	return writeJSON(s.path(dirSessions, sessionID), session)
}

func (s *Store) SaveConversationState(_ context.Context, sessionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path(dirConversations, sessionID), pilot.ConversationState{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
		State:     state,
	})
}

func (s *Store) GetConversationState(_ context.Context, sessionID string) (pilot.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state pilot.ConversationState
	if err := readJSON(s.path(dirConversations, sessionID), &state); err != nil {
		return pilot.ConversationState{}, err
	}
	return state, nil
}

func (s *Store) AddProcessingEvent(_ context.Context, event pilot.ProcessingEvent) error {
	if event.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "processing event without session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []pilot.ProcessingEvent
	if err := readJSON(s.path(dirEvents, event.SessionID), &events); err != nil && !pilot.IsNotFound(err) {
		return err
	}
	events = append(events, event)
	if over := len(events) - s.limits.MaxEventsPerSession; over > 0 {
		events = events[over:]
	}
	return writeJSON(s.path(dirEvents, event.SessionID), events)
}

func (s *Store) GetProcessingHistory(_ context.Context, sessionID string, limit int) ([]pilot.ProcessingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []pilot.ProcessingEvent
	if err := readJSON(s.path(dirEvents, sessionID), &events); err != nil {
		if pilot.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp pilot.Checkpoint) error {
	if cp.WorkflowID == "" {
		return pilot.Validationf(pilot.CodeValidation, "checkpoint without workflow id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	return writeJSON(s.checkpointPath(cp.WorkflowID, cp.StepIndex), cp)
}

func (s *Store) GetCheckpoint(_ context.Context, workflowID string, stepIndex int) (pilot.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp pilot.Checkpoint
	if err := readJSON(s.checkpointPath(workflowID, stepIndex), &cp); err != nil {
		return pilot.Checkpoint{}, err
	}
	return cp, nil
}

// Cleanup evicts sessions idle past the TTL, then applies the LRU cap.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, dirSessions))
	if err != nil {
		return 0, pilot.Systemf(pilot.CodeInternal, "list sessions: %v", err)
	}
	type candidate struct {
		id       string
		accessed time.Time
	}
	var live []candidate
	cutoff := time.Now().Add(-s.limits.SessionTTL)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var session pilot.Session
		if err := readJSON(filepath.Join(s.root, dirSessions, entry.Name()), &session); err != nil {
			continue
		}
		if session.LastAccessedAt.Before(cutoff) {
			if s.deleteLocked(session.SessionID) == nil {
				s.evicted++
				removed++
			}
			continue
		}
		live = append(live, candidate{session.SessionID, session.LastAccessedAt})
	}

	if over := len(live) - s.limits.MaxSessions; over > 0 {
		sort.Slice(live, func(i, j int) bool { return live[i].accessed.Before(live[j].accessed) })
		for i := 0; i < over; i++ {
			if s.deleteLocked(live[i].id) == nil {
				s.evicted++
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) Statistics(_ context.Context) (pilot.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := pilot.StoreStats{Evicted: s.evicted}
	stats.Sessions = countFiles(filepath.Join(s.root, dirSessions))
	stats.Conversations = countFiles(filepath.Join(s.root, dirConversations))
	stats.Checkpoints = countFiles(filepath.Join(s.root, dirCheckpoints))

	entries, err := os.ReadDir(filepath.Join(s.root, dirEvents))
	if err == nil {
		for _, entry := range entries {
			var events []pilot.ProcessingEvent
			if readJSON(filepath.Join(s.root, dirEvents, entry.Name()), &events) == nil {
				stats.Events += len(events)
			}
		}
	}
	return stats, nil
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

func (s *Store) Shutdown(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopJanitor)
	<-s.janitorDone
	return nil
}
