// Package spill provides disk-backed overflow storage for the frontier. When
// the in-memory queue hits its ceiling, requests spill here in FIFO order and
// rehydrate as resident slots free up.
package spill

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/core"
)

// BadgerStore is a FIFO spill queue on BadgerDB. Keys are big-endian
// sequence numbers so the natural key order is insertion order.
type BadgerStore struct {
	db    *badger.DB
	log   *zap.Logger
	seq   atomic.Uint64
	count atomic.Int64

	takeMu sync.Mutex
}

// NewBadgerStore opens (or creates) the spill database at dir. When resume is
// false any previous spill state is discarded.
func NewBadgerStore(dir string, resume bool, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !resume {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("removing previous spill state failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerZapAdapter(logger.Named("badger"))).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spill database at %s: %w", dir, err)
	}

	s := &BadgerStore{db: db, log: logger}
	if resume {
		if err := s.recoverState(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// recoverState rebuilds the sequence counter and entry count from existing
// keys so a resumed spill keeps FIFO order across restarts.
func (s *BadgerStore) recoverState() error {
	var count int64
	var maxSeq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) == 8 {
				if seq := binary.BigEndian.Uint64(key); seq > maxSeq {
					maxSeq = seq
				}
			}
			count++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan spill database: %w", err)
	}
	s.seq.Store(maxSeq)
	s.count.Store(count)
	if count > 0 {
		s.log.Info("resumed spill queue", zap.Int64("entries", count))
	}
	return nil
}

// Put appends a request to the spill queue.
func (s *BadgerStore) Put(ctx context.Context, req core.CrawlRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode spill entry: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, s.seq.Add(1))

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, val))
	})
	if err != nil {
		return fmt.Errorf("spill put: %w", err)
	}
	s.count.Add(1)
	return nil
}

// TakeNext removes and returns the oldest spilled request, or nil when the
// queue is empty. Takes are serialized so concurrent callers never receive
// the same entry.
func (s *BadgerStore) TakeNext(ctx context.Context) (*core.CrawlRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.takeMu.Lock()
	defer s.takeMu.Unlock()

	var req *core.CrawlRequest
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			var decoded core.CrawlRequest
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode spill entry: %w", err)
			}
			req = &decoded
			return nil
		})
		if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, fmt.Errorf("spill take: %w", err)
	}
	if req != nil {
		s.count.Add(-1)
	}
	return req, nil
}

// Len is the number of spilled entries.
func (s *BadgerStore) Len() int {
	return int(s.count.Load())
}

// RunGC periodically reclaims value-log space until ctx is cancelled.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.db.IsClosed() {
				return
			}
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("spill value log GC failed", zap.Error(err))
					}
					break
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts the database down.
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// badgerZapAdapter routes BadgerDB's internal logging through zap.
type badgerZapAdapter struct {
	s *zap.SugaredLogger
}

func newBadgerZapAdapter(l *zap.Logger) badgerZapAdapter {
	return badgerZapAdapter{s: l.Sugar()}
}

func (a badgerZapAdapter) Errorf(f string, v ...interface{})   { a.s.Errorf(f, v...) }
func (a badgerZapAdapter) Warningf(f string, v ...interface{}) { a.s.Warnf(f, v...) }
func (a badgerZapAdapter) Infof(f string, v ...interface{})    { a.s.Debugf(f, v...) }
func (a badgerZapAdapter) Debugf(f string, v ...interface{})   { a.s.Debugf(f, v...) }
