// Package memory provides the in-process store backend. All state lives
// in maps guarded by one mutex; a background janitor applies TTL and LRU
// eviction.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nvallen/pilot"
)

type checkpointKey struct {
	workflowID string
	stepIndex  int
}

// Store is the in-memory backend.
type Store struct {
	mu            sync.Mutex
	sessions      map[string]pilot.Session
	conversations map[string]pilot.ConversationState
	events        map[string][]pilot.ProcessingEvent
	checkpoints   map[checkpointKey]pilot.Checkpoint
	limits        pilot.StoreLimits
	logger        *slog.Logger
	evicted       int64

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

// New creates an in-memory store and starts its cleanup janitor.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:      make(map[string]pilot.Session),
		conversations: make(map[string]pilot.ConversationState),
		events:        make(map[string][]pilot.ProcessingEvent),
		checkpoints:   make(map[checkpointKey]pilot.Checkpoint),
		limits:        pilot.DefaultLimits(),
		logger:        slog.New(slog.DiscardHandler),
		stopJanitor:   make(chan struct{}),
		janitorDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor()
	return s
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

func (s *Store) CreateSession(_ context.Context, session pilot.Session) error {
	if session.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "create session: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.SessionID]; exists {
		return pilot.Validationf(pilot.CodeValidation, "session %s already exists", session.SessionID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastAccessedAt.IsZero() {
		session.LastAccessedAt = session.CreatedAt
	}
	s.sessions[session.SessionID] = session
	s.evictOverLimitLocked()
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (pilot.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return pilot.Session{}, notFound("session", sessionID)
	}
	session.LastAccessedAt = time.Now()
	s.sessions[sessionID] = session
	return session, nil
}

func (s *Store) UpdateSession(_ context.Context, session pilot.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; !ok {
		return notFound("session", session.SessionID)
	}
	session.LastAccessedAt = time.Now()
	s.sessions[session.SessionID] = session
	return nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return notFound("session", sessionID)
	}
	delete(s.sessions, sessionID)
	delete(s.conversations, sessionID)
	delete(s.events, sessionID)
	return nil
}

func (s *Store) AppendTurn(_ context.Context, sessionID string, turn pilot.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return notFound("session", sessionID)
	}
	session.History = append(session.History, turn)
	if over := len(session.History) - s.limits.MaxHistorySize; over > 0 {
		session.History = session.History[over:]
	}
	session.LastAccessedAt = time.Now()
	s.sessions[sessionID] = session
	return nil
}

func (s *Store) SaveConversationState(_ context.Context, sessionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[sessionID] = pilot.ConversationState{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
		State:     state,
	}
	return nil
}

func (s *Store) GetConversationState(_ context.Context, sessionID string) (pilot.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.conversations[sessionID]
	if !ok {
		return pilot.ConversationState{}, notFound("conversation state", sessionID)
	}
	return state, nil
}

func (s *Store) AddProcessingEvent(_ context.Context, event pilot.ProcessingEvent) error {
	if event.SessionID == "" {
		return pilot.Validationf(pilot.CodeValidation, "processing event without session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := append(s.events[event.SessionID], event)
	if over := len(events) - s.limits.MaxEventsPerSession; over > 0 {
		events = events[over:]
	}
	s.events[event.SessionID] = events
	return nil
}

func (s *Store) GetProcessingHistory(_ context.Context, sessionID string, limit int) ([]pilot.ProcessingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[sessionID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]pilot.ProcessingEvent, len(events))
	copy(out, events)
	return out, nil
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
	s.checkpoints[checkpointKey{cp.WorkflowID, cp.StepIndex}] = cp
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, workflowID string, stepIndex int) (pilot.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey{workflowID, stepIndex}]
	if !ok {
		return pilot.Checkpoint{}, notFound("checkpoint", workflowID)
	}
	return cp, nil
}

// Cleanup evicts sessions idle past the TTL, then applies the LRU cap.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.limits.SessionTTL)
	removed := 0
	for id, session := range s.sessions {
		if session.LastAccessedAt.Before(cutoff) {
			s.removeLocked(id)
			removed++
		}
	}
	removed += s.evictOverLimitLocked()
	return removed, nil
}

// evictOverLimitLocked drops least recently accessed sessions above the
// cap. Caller holds the lock.
func (s *Store) evictOverLimitLocked() int {
	over := len(s.sessions) - s.limits.MaxSessions
	if over <= 0 {
		return 0
	}
	type candidate struct {
		id       string
		accessed time.Time
	}
	candidates := make([]candidate, 0, len(s.sessions))
	for id, session := range s.sessions {
		candidates = append(candidates, candidate{id, session.LastAccessedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessed.Before(candidates[j].accessed)
	})
	for i := 0; i < over; i++ {
		s.removeLocked(candidates[i].id)
	}
	return over
}

func (s *Store) removeLocked(sessionID string) {
	delete(s.sessions, sessionID)
	delete(s.conversations, sessionID)
	delete(s.events, sessionID)
	s.evicted++
}

func (s *Store) Statistics(_ context.Context) (pilot.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totalEvents := 0
	for _, events := range s.events {
		totalEvents += len(events)
	}
	return pilot.StoreStats{
		Sessions:      len(s.sessions),
		Conversations: len(s.conversations),
		Events:        totalEvents,
		Checkpoints:   len(s.checkpoints),
		Evicted:       s.evicted,
	}, nil
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

func notFound(kind, id string) error {
	return pilot.Businessf(pilot.CodeNotFound, "%s %s not found", kind, id)
}
