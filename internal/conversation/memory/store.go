package memory

import (
	"context"
	"sync"

	"github.com/davidbz/docqa/internal/domain"
)

type sessionKey struct {
	userID     string
	documentID string
}

// Store keeps conversation history in process memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[sessionKey][]domain.ConversationTurn
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[sessionKey][]domain.ConversationTurn)}
}

// Append adds turn at the end of the session.
func (s *Store) Append(_ context.Context, userID, documentID string, turn domain.ConversationTurn) error {
	key := sessionKey{userID: userID, documentID: documentID}

	s.mu.Lock()
	s.sessions[key] = append(s.sessions[key], turn)
	s.mu.Unlock()
	return nil
}

// Recent returns the last limit turns, oldest first.
func (s *Store) Recent(_ context.Context, userID, documentID string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.sessions[sessionKey{userID: userID, documentID: documentID}]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]domain.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

// Clear drops the session.
func (s *Store) Clear(_ context.Context, userID, documentID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionKey{userID: userID, documentID: documentID})
	s.mu.Unlock()
	return nil
}
