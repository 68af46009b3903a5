// Package session provides stores for per-conversation turn history.
// Clean Architecture: adapters implementing ports.SessionStore.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entities.ChatSession
	maxTurns int
}

// NewMemoryStore creates a store whose sessions keep at most maxTurns turns.
func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = entities.DefaultMaxTurns
	}
	return &MemoryStore{sessions: make(map[string]*entities.ChatSession), maxTurns: maxTurns}
}

// Create registers a new session. Creating an existing id is a conflict.
func (s *MemoryStore) Create(ctx context.Context, sess entities.ChatSession) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id required", errs.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session %s exists", errs.ErrSessionConflict, sess.ID)
	}
	sess.MaxTurns = s.maxTurns
	stored := sess
	stored.Turns = nil
	if err := stored.Append(sess.Turns...); err != nil {
		return appendError(err)
	}
	s.sessions[sess.ID] = &stored
	return nil
}

// Load returns a copy of the session.
func (s *MemoryStore) Load(ctx context.Context, id string) (*entities.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	out := *sess
	out.Turns = append([]entities.ChatTurn(nil), sess.Turns...)
	return &out, nil
}

// Append adds turns atomically.
func (s *MemoryStore) Append(ctx context.Context, id string, turns ...entities.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return appendError(sess.Append(turns...))
}

// appendError maps entity validation failures onto the error taxonomy.
func appendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, entities.ErrTurnOutOfOrder):
		return fmt.Errorf("%w: %v", errs.ErrSessionConflict, err)
	default:
		return fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
}
