package badger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/docqa/internal/conversation/badger"
	"github.com/davidbz/docqa/internal/domain"
)

func openStore(t *testing.T) *badger.Store {
	t.Helper()

	s, err := badger.Open(context.Background(), "", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecentInOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for i := range 5 {
		require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{
			Question: fmt.Sprintf("q%d", i),
			Answer:   fmt.Sprintf("a%d", i),
		}))
	}

	turns, err := s.Recent(ctx, "u1", "D1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q3", turns[0].Question)
	assert.Equal(t, "q4", turns[1].Question)
	assert.Equal(t, "a4", turns[1].Answer)

	all, err := s.Recent(ctx, "u1", "D1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "q0", all[0].Question)
}

func TestStore_SessionsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	// "u1"+"D12" and "u1D"+"12" must stay distinct sessions.
	require.NoError(t, s.Append(ctx, "u1", "D12", domain.ConversationTurn{Question: "first"}))
	require.NoError(t, s.Append(ctx, "u1D", "12", domain.ConversationTurn{Question: "second"}))
	require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{Question: "third"}))

	turns, err := s.Recent(ctx, "u1", "D12", 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "first", turns[0].Question)

	turns, err = s.Recent(ctx, "u1", "D1", 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "third", turns[0].Question)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{Question: "q"}))
	require.NoError(t, s.Append(ctx, "u1", "D2", domain.ConversationTurn{Question: "kept"}))

	require.NoError(t, s.Clear(ctx, "u1", "D1"))
	require.NoError(t, s.Clear(ctx, "u1", "D1"))

	turns, err := s.Recent(ctx, "u1", "D1", 5)
	require.NoError(t, err)
	assert.Empty(t, turns)

	turns, err = s.Recent(ctx, "u1", "D2", 5)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{Question: "after clear"}))
	turns, err = s.Recent(ctx, "u1", "D1", 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "after clear", turns[0].Question)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := badger.Open(ctx, dir, false)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{Question: "durable"}))
	require.NoError(t, s.Close())

	s, err = badger.Open(ctx, dir, false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, "u1", "D1", domain.ConversationTurn{Question: "later"}))

	turns, err := s.Recent(ctx, "u1", "D1", 5)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "durable", turns[0].Question)
	assert.Equal(t, "later", turns[1].Question)
}
