package backing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func cloneRecord(r *Record) *Record {
	out := *r
	out.Value = bytes.Clone(r.Value)
	return &out
}

func (s *MemStore) Read(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *MemStore) Write(ctx context.Context, key string, value json.RawMessage, expectVersion int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, exists := s.records[key]

	switch {
	case expectVersion == 0:
		if exists {
			return nil, fmt.Errorf("creating record %q: %w", key, ErrConflict)
		}
		rec := &Record{Key: key, Value: bytes.Clone(value), Version: 1, CreatedAt: now, UpdatedAt: now}
		s.records[key] = rec
		return cloneRecord(rec), nil

	case expectVersion < 0:
		if !exists {
			rec := &Record{Key: key, Value: bytes.Clone(value), Version: 1, CreatedAt: now, UpdatedAt: now}
			s.records[key] = rec
			return cloneRecord(rec), nil
		}
		cur.Value = bytes.Clone(value)
		cur.Version++
		cur.UpdatedAt = now
		return cloneRecord(cur), nil

	default:
		if !exists || cur.Version != expectVersion {
			return nil, fmt.Errorf("record %q is not at version %d: %w", key, expectVersion, ErrConflict)
		}
		cur.Value = bytes.Clone(value)
		cur.Version++
		cur.UpdatedAt = now
		return cloneRecord(cur), nil
	}
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
