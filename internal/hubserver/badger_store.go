package hubserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	// Key prefixes
	prefixNotification = "n:"
	sequenceKey        = "seq:notifications"

	sequenceBandwidth = 100
)

// BadgerStore persists notifications in a Badger database. Keys are
// n:{userID}:{id as big-endian uint64}, so a reverse scan of a user's
// prefix yields newest first.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger zerolog.Logger
}

// NewBadgerStore opens or creates a store under dataDir
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataDir, "badger")

	// Ensure directory exists
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badger.DefaultOptions(dbPath)
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}

	return &BadgerStore{
		db:     db,
		seq:    seq,
		logger: logging.Component("store-badger"),
	}, nil
}

func userPrefix(userID string) []byte {
	return []byte(prefixNotification + userID + ":")
}

func notificationKey(userID string, id int64) []byte {
	prefix := userPrefix(userID)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

// scan visits the user's notifications newest first until fn returns false
func (s *BadgerStore) scan(txn *badger.Txn, userID string, fn func(key []byte, n proto.Notification) bool) error {
	prefix := userPrefix(userID)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the highest key carrying the prefix
	seekKey := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
	for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var n proto.Notification
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			s.logger.Error().Err(err).Str("key", string(item.Key())).Msg("Failed to decode notification")
			continue
		}
		if !fn(item.KeyCopy(nil), n) {
			break
		}
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context, userID string, unreadOnly bool, take int) ([]proto.Notification, error) {
	out := []proto.Notification{}
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, userID, func(_ []byte, n proto.Notification) bool {
			if unreadOnly && n.IsRead {
				return true
			}
			out = append(out, n)
			return take <= 0 || len(out) < take
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, userID, func(_ []byte, n proto.Notification) bool {
			if !n.IsRead {
				count++
			}
			return true
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

func (s *BadgerStore) Create(ctx context.Context, userID string, n proto.Notification) (proto.Notification, error) {
	next, err := s.seq.Next()
	if err != nil {
		return proto.Notification{}, fmt.Errorf("failed to allocate notification id: %w", err)
	}
	// Sequences start at zero
	n.Id = int64(next) + 1
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return proto.Notification{}, fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(notificationKey(userID, n.Id), data)
	}); err != nil {
		return proto.Notification{}, fmt.Errorf("failed to store notification: %w", err)
	}
	return n, nil
}

func (s *BadgerStore) MarkAsRead(ctx context.Context, userID string, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := notificationKey(userID, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var n proto.Notification
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return err
		}
		if n.IsRead {
			return nil
		}
		markRead(&n, time.Now().UTC())
		return setJSON(txn, key, n)
	})
}

func (s *BadgerStore) MarkAllAsRead(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		type pending struct {
			key []byte
			n   proto.Notification
		}
		var unread []pending
		if err := s.scan(txn, userID, func(key []byte, n proto.Notification) bool {
			if !n.IsRead {
				unread = append(unread, pending{key, n})
			}
			return true
		}); err != nil {
			return err
		}

		for _, p := range unread {
			markRead(&p.n, now)
			if err := setJSON(txn, p.key, p.n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, userID string, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := notificationKey(userID, id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Clear(ctx context.Context, userID string) error {
	return s.db.DropPrefix(userPrefix(userID))
}

// Close releases the id sequence and closes the database
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Error().Err(err).Msg("Error releasing id sequence")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close Badger: %w", err)
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
