package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

const (
	turnSequence         = "conv_turn_seq"
	sequenceBandwidth    = 100
	sessionKeyPrefix     = "conv"
	sequenceSuffixLength = 8
	directoryPermissions = 0o755
)

// Store persists conversation turns in BadgerDB. Turns of one session
// share a key prefix and are ordered by a monotonic sequence suffix.
type Store struct {
	db  *badgerdb.DB
	seq *badgerdb.Sequence
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (z *zapAdapter) Errorf(msg string, args ...any)   { z.logger.Errorf(msg, args...) }
func (z *zapAdapter) Warningf(msg string, args ...any) { z.logger.Warnf(msg, args...) }
func (z *zapAdapter) Infof(msg string, args ...any)    { z.logger.Debugf(msg, args...) }
func (z *zapAdapter) Debugf(msg string, args ...any)   { z.logger.Debugf(msg, args...) }

// Open opens (or creates) the store at path. inMemory ignores path.
func Open(ctx context.Context, path string, inMemory bool) (*Store, error) {
	var opts badgerdb.Options
	if inMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, directoryPermissions); err != nil {
			return nil, fmt.Errorf("failed to create conversation directory: %w", err)
		}
		opts = badgerdb.DefaultOptions(path)
	}

	opts.Logger = &zapAdapter{logger: observability.FromContext(ctx).Sugar()}
	opts.Compression = options.None

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	seq, err := db.GetSequence([]byte(turnSequence), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open turn sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release turn sequence: %w", err)
	}
	return s.db.Close()
}

// Append adds turn at the end of the session.
func (s *Store) Append(_ context.Context, userID, documentID string, turn domain.ConversationTurn) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate turn id: %w", err)
	}

	value, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	key := binary.BigEndian.AppendUint64(sessionPrefix(userID, documentID), n)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	})
}

// Recent returns the last limit turns of the session, oldest first.
func (s *Store) Recent(_ context.Context, userID, documentID string, limit int) ([]domain.ConversationTurn, error) {
	prefix := sessionPrefix(userID, documentID)
	turns := make([]domain.ConversationTurn, 0, max(limit, 0))

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		iter := txn.NewIterator(opts)
		defer iter.Close()

		seek := append(bytes.Clone(prefix), bytes.Repeat([]byte{0xFF}, sequenceSuffixLength+1)...)
		for iter.Seek(seek); iter.ValidForPrefix(prefix); iter.Next() {
			if limit > 0 && len(turns) >= limit {
				break
			}

			var turn domain.ConversationTurn
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return fmt.Errorf("failed to decode turn: %w", err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(turns)
	return turns, nil
}

// Clear drops every turn of the session.
func (s *Store) Clear(_ context.Context, userID, documentID string) error {
	if err := s.db.DropPrefix(sessionPrefix(userID, documentID)); err != nil {
		return fmt.Errorf("failed to drop session: %w", err)
	}
	return nil
}

// sessionPrefix length-prefixes both ids so no session prefix is a
// prefix of another.
func sessionPrefix(userID, documentID string) []byte {
	return fmt.Appendf(nil, "%s:%d:%s:%d:%s:", sessionKeyPrefix, len(userID), userID, len(documentID), documentID)
}
