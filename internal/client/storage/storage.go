// Package storage is the client's local persistent storage: the offline queue
// of encrypted messages awaiting delivery and a bounded cache of message
// history per conversation. Everything stored here is ciphertext.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/models"
)

const (
	queuePrefix   = "queue/"
	historyPrefix = "history/"

	// DefaultHistoryLimit caps cached messages per conversation.
	DefaultHistoryLimit = 1000
	// DefaultRetention is how long cached messages are kept.
	DefaultRetention = 30 * 24 * time.Hour
)

// LocalStorage is a Badger-backed store. It is safe for concurrent use.
type LocalStorage struct {
	db           *badger.DB
	log          *zap.Logger
	now          func() time.Time
	historyLimit int
	retention    time.Duration
}

// Option configures LocalStorage.
type Option func(*LocalStorage)

// WithClock replaces time.Now for retention decisions.
func WithClock(now func() time.Time) Option {
	return func(ls *LocalStorage) { ls.now = now }
}

// WithHistoryLimit overrides DefaultHistoryLimit.
func WithHistoryLimit(n int) Option {
	return func(ls *LocalStorage) { ls.historyLimit = n }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(ls *LocalStorage) { ls.retention = d }
}

// Open opens the store in dir. An empty dir opens an in-memory store.
func Open(dir string, log *zap.Logger, opts ...Option) (*LocalStorage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bopts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.Sugar()})
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open local storage: %w", err)
	}
	ls := &LocalStorage{
		db:           db,
		log:          log,
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
		retention:    DefaultRetention,
	}
	for _, opt := range opts {
		opt(ls)
	}
	return ls, nil
}

// Close flushes and closes the store.
func (ls *LocalStorage) Close() error {
	return ls.db.Close()
}

// PutQueued inserts or replaces a queued message.
func (ls *LocalStorage) PutQueued(item models.QueuedMessage) error {
	if item.ID == "" {
		return apperr.New(apperr.Validation, "queued message has no id")
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	return ls.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(queuePrefix+item.ID), b)
	})
}

// GetQueued returns a queued message by id.
func (ls *LocalStorage) GetQueued(id string) (models.QueuedMessage, error) {
	var item models.QueuedMessage
	err := ls.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(queuePrefix + id))
		if err != nil {
			return err
		}
		return it.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return item, apperr.New(apperr.NotFound, fmt.Sprintf("queued message %s not found", id))
	}
	if err != nil {
		return item, fmt.Errorf("get queued message: %w", err)
	}
	return item, nil
}

// DeleteQueued removes a queued message. Deleting a missing id is a no-op.
func (ls *LocalStorage) DeleteQueued(id string) error {
	return ls.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(queuePrefix + id))
	})
}

// ListQueued returns all queued messages in creation order.
func (ls *LocalStorage) ListQueued() ([]models.QueuedMessage, error) {
	var items []models.QueuedMessage
	err := ls.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var item models.QueuedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// CacheHistory merges msgs into the cached history of a conversation. Newer
// copies of a message (edited, deleted) replace older ones; the result keeps
// at most the newest historyLimit messages younger than the retention period.
func (ls *LocalStorage) CacheHistory(conversationID string, msgs []models.Message) error {
	key := []byte(historyPrefix + conversationID)
	return ls.db.Update(func(txn *badger.Txn) error {
		cached, err := readHistory(txn, key)
		if err != nil {
			return err
		}
		bySeq := make(map[int64]models.Message, len(cached)+len(msgs))
		for _, m := range cached {
			bySeq[m.SequenceNumber] = m
		}
		for _, m := range msgs {
			bySeq[m.SequenceNumber] = m
		}
		merged := make([]models.Message, 0, len(bySeq))
		for _, m := range bySeq {
			merged = append(merged, m)
		}
		merged = ls.trim(merged)
		b, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		return txn.Set(key, b)
	})
}

// History returns the cached messages of a conversation ordered by sequence number.
func (ls *LocalStorage) History(conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := ls.db.View(func(txn *badger.Txn) error {
		var err error
		msgs, err = readHistory(txn, []byte(historyPrefix+conversationID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	cutoff := ls.now().Add(-ls.retention)
	fresh := msgs[:0]
	for _, m := range msgs {
		if m.CreatedAt.After(cutoff) {
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}

// Prune drops expired messages from every cached conversation and removes
// conversations left empty. It returns the number of messages removed.
func (ls *LocalStorage) Prune() (int, error) {
	removed := 0
	err := ls.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(historyPrefix)
		it := txn.NewIterator(opts)
		type rewrite struct {
			key  []byte
			msgs []models.Message
		}
		var rewrites []rewrite
		for it.Rewind(); it.Valid(); it.Next() {
			var msgs []models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msgs)
			}); err != nil {
				it.Close()
				return err
			}
			kept := ls.trim(msgs)
			if len(kept) != len(msgs) {
				removed += len(msgs) - len(kept)
				rewrites = append(rewrites, rewrite{key: it.Item().KeyCopy(nil), msgs: kept})
			}
		}
		it.Close()

		for _, rw := range rewrites {
			if len(rw.msgs) == 0 {
				if err := txn.Delete(rw.key); err != nil {
					return err
				}
				continue
			}
			b, err := json.Marshal(rw.msgs)
			if err != nil {
				return err
			}
			if err := txn.Set(rw.key, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	if removed > 0 {
		ls.log.Info("pruned cached history", zap.Int("removed", removed))
	}
	return removed, nil
}

// trim sorts by sequence number, drops expired messages and keeps the newest
// historyLimit entries.
func (ls *LocalStorage) trim(msgs []models.Message) []models.Message {
	cutoff := ls.now().Add(-ls.retention)
	kept := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.CreatedAt.After(cutoff) {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].SequenceNumber < kept[j].SequenceNumber })
	if len(kept) > ls.historyLimit {
		kept = kept[len(kept)-ls.historyLimit:]
	}
	return kept
}

func readHistory(txn *badger.Txn, key []byte) ([]models.Message, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msgs)
	})
	return msgs, err
}

// badgerLogger routes Badger's internal logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
