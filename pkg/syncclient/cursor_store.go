package syncclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// CursorStore persists the last-seen message timestamp per session and
// subscriber so a reconnecting client can skip already-rendered replay.
type CursorStore interface {
	LoadCursor(ctx context.Context, sessionID, subscriberID string) (int64, error)
	SaveCursor(ctx context.Context, sessionID, subscriberID string, ts int64) error
}

// MemoryCursorStore stores cursors in-memory.
type MemoryCursorStore struct {
	mu   sync.RWMutex
	data map[string]int64
}

// NewMemoryCursorStore creates an in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{data: make(map[string]int64)}
}

func (s *MemoryCursorStore) LoadCursor(ctx context.Context, sessionID, subscriberID string) (int64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[cursorKey(sessionID, subscriberID)], nil
}

func (s *MemoryCursorStore) SaveCursor(ctx context.Context, sessionID, subscriberID string, ts int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cursorKey(sessionID, subscriberID)] = ts
	return nil
}

var cursorBucket = []byte("cursors")

// BoltCursorStore stores cursors in a bbolt file for cross-process resume.
type BoltCursorStore struct {
	db *bolt.DB
}

// NewBoltCursorStore opens (creating if necessary) a bbolt-backed store.
func NewBoltCursorStore(path string) (*BoltCursorStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cursor bucket: %w", err)
	}
	return &BoltCursorStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltCursorStore) Close() error {
	return s.db.Close()
}

func (s *BoltCursorStore) LoadCursor(ctx context.Context, sessionID, subscriberID string) (int64, error) {
	_ = ctx
	var ts int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorBucket).Get([]byte(cursorKey(sessionID, subscriberID)))
		if len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return ts, nil
}

func (s *BoltCursorStore) SaveCursor(ctx context.Context, sessionID, subscriberID string, ts int64) error {
	_ = ctx
	err := s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(ts))
		return tx.Bucket(cursorBucket).Put([]byte(cursorKey(sessionID, subscriberID)), v[:])
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func cursorKey(sessionID, subscriberID string) string {
	return sessionID + ":" + subscriberID
}
