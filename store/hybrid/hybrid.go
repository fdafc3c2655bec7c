// Package hybrid layers the in-memory store over the file store: reads
// hit memory first and fall back to disk (populating memory), writes land
// in both with disk first for durability.
package hybrid

import (
	"context"
	"log/slog"

	"github.com/nvallen/pilot"
	"github.com/nvallen/pilot/store/file"
	"github.com/nvallen/pilot/store/memory"
)

// Store is the memory-over-file backend.
type Store struct {
	mem  *memory.Store
	disk *file.Store
}

// Option configures a Store.
type Option func(*options)

type options struct {
	limits pilot.StoreLimits
	logger *slog.Logger
}

// WithLimits overrides the default retention limits for both layers.
func WithLimits(l pilot.StoreLimits) Option {
	return func(o *options) { o.limits = l }
}

// WithLogger sets the structured logger for both layers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a hybrid store rooted at the given directory.
func New(root string, opts ...Option) (*Store, error) {
	o := options{limits: pilot.DefaultLimits(), logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	disk, err := file.New(root, file.WithLimits(o.limits), file.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	mem := memory.New(memory.WithLimits(o.limits), memory.WithLogger(o.logger))
	return &Store{mem: mem, disk: disk}, nil
}

var _ pilot.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, session pilot.Session) error {
	if err := s.disk.CreateSession(ctx, session); err != nil {
		return err
	}
	return s.mem.CreateSession(ctx, session)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (pilot.Session, error) {
	if session, err := s.mem.GetSession(ctx, sessionID); err == nil {
		return session, nil
	}
	session, err := s.disk.GetSession(ctx, sessionID)
	if err != nil {
		return pilot.Session{}, err
	}
	// Load-on-miss: warm the memory layer for subsequent reads.
	if err := s.mem.CreateSession(ctx, session); err != nil {
		_ = s.mem.UpdateSession(ctx, session)
	}
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, session pilot.Session) error {
	if err := s.disk.UpdateSession(ctx, session); err != nil {
		return err
	}
	if err := s.mem.UpdateSession(ctx, session); err != nil {
		if pilot.IsNotFound(err) {
			return s.mem.CreateSession(ctx, session)
		}
		return err
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.disk.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.mem.DeleteSession(ctx, sessionID); err != nil && !pilot.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn pilot.Turn) error {
	if err := s.disk.AppendTurn(ctx, sessionID, turn); err != nil {
		return err
	}
	if err := s.mem.AppendTurn(ctx, sessionID, turn); err != nil {
		if pilot.IsNotFound(err) {
			// Memory layer never saw this session; reload from disk.
			session, derr := s.disk.GetSession(ctx, sessionID)
			if derr != nil {
				return derr
			}
			return s.mem.CreateSession(ctx, session)
		}
		return err
	}
	return nil
}

func (s *Store) SaveConversationState(ctx context.Context, sessionID string, state map[string]any) error {
	if err := s.disk.SaveConversationState(ctx, sessionID, state); err != nil {
		return err
	}
	return s.mem.SaveConversationState(ctx, sessionID, state)
}

func (s *Store) GetConversationState(ctx context.Context, sessionID string) (pilot.ConversationState, error) {
	if state, err := s.mem.GetConversationState(ctx, sessionID); err == nil {
		return state, nil
	}
	state, err := s.disk.GetConversationState(ctx, sessionID)
	if err != nil {
		return pilot.ConversationState{}, err
	}
	_ = s.mem.SaveConversationState(ctx, sessionID, state.State)
	return state, nil
}

func (s *Store) AddProcessingEvent(ctx context.Context, event pilot.ProcessingEvent) error {
	if err := s.disk.AddProcessingEvent(ctx, event); err != nil {
		return err
	}
	return s.mem.AddProcessingEvent(ctx, event)
}

// GetProcessingHistory reads the durable layer, which is authoritative:
// after a restart the memory layer holds only events added since.
func (s *Store) GetProcessingHistory(ctx context.Context, sessionID string, limit int) ([]pilot.ProcessingEvent, error) {
	return s.disk.GetProcessingHistory(ctx, sessionID, limit)
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp pilot.Checkpoint) error {
	if err := s.disk.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	return s.mem.SaveCheckpoint(ctx, cp)
}

func (s *Store) GetCheckpoint(ctx context.Context, workflowID string, stepIndex int) (pilot.Checkpoint, error) {
	if cp, err := s.mem.GetCheckpoint(ctx, workflowID, stepIndex); err == nil {
		return cp, nil
	}
	return s.disk.GetCheckpoint(ctx, workflowID, stepIndex)
}

func (s *Store) Cleanup(ctx context.Context) (int, error) {
	removed, err := s.disk.Cleanup(ctx)
	if err != nil {
		return removed, err
	}
	if _, merr := s.mem.Cleanup(ctx); merr != nil {
		return removed, merr
	}
	return removed, nil
}

// Statistics reports the durable layer, which is authoritative.
func (s *Store) Statistics(ctx context.Context) (pilot.StoreStats, error) {
	return s.disk.Statistics(ctx)
}

func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.mem.Shutdown(ctx); err != nil {
		return err
	}
	return s.disk.Shutdown(ctx)
}
