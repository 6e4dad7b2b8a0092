package domain

import (
	"context"
	"fmt"
	"time"
)

// ConversationConfig configures conversation history.
type ConversationConfig struct {
	Backend       string `env:"CONVERSATION_BACKEND"        envDefault:"memory"`
	HistoryLength int    `env:"CONVERSATION_HISTORY_LENGTH" envDefault:"5"`
	BadgerPath    string `env:"CONVERSATION_BADGER_PATH"    envDefault:"data/conversations"`
}

// ConversationManager owns the per (user, document) turn history.
type ConversationManager struct {
	store         ConversationStore
	historyLength int
	now           func() time.Time
}

// NewConversationManager creates a conversation manager. A nil store
// disables history.
func NewConversationManager(store ConversationStore, cfg *ConversationConfig) *ConversationManager {
	length := 5
	if cfg != nil && cfg.HistoryLength > 0 {
		length = cfg.HistoryLength
	}

	return &ConversationManager{
		store:         store,
		historyLength: length,
		now:           time.Now,
	}
}

// Load returns the last N turns of the session, most recent last.
func (c *ConversationManager) Load(ctx context.Context, userID, documentID string) ([]ConversationTurn, error) {
	if c.store == nil {
		return nil, nil
	}

	turns, err := c.store.Recent(ctx, userID, documentID, c.historyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return turns, nil
}

// Append adds one answered turn to the session.
func (c *ConversationManager) Append(ctx context.Context, userID, documentID string, turn ConversationTurn) error {
	if c.store == nil {
		return nil
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}

	if err := c.store.Append(ctx, userID, documentID, turn); err != nil {
		return fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return nil
}

// Clear empties the session. Clearing an empty session is a no-op.
func (c *ConversationManager) Clear(ctx context.Context, userID, documentID string) error {
	if c.store == nil {
		return nil
	}

	if err := c.store.Clear(ctx, userID, documentID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}
