package changelog

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. Each session has its own
// lock so sessions never contend with each other.
type MemoryStore struct {
	sessions sync.Map // map[string]*memorySession
}

type memorySession struct {
	mu      sync.Mutex
	entries []*Entry // entries[i].VersionID == i+1
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) session(sessionID string) *memorySession {
	val, _ := s.sessions.LoadOrStore(sessionID, &memorySession{})
	return val.(*memorySession)
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) (int64, error) {
	sess := s.session(e.SessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	v := int64(len(sess.entries) + 1)
	stored := e.clone()
	stored.VersionID = v
	sess.entries = append(sess.entries, stored)
	return v, nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, sessionID string) (int64, error) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return int64(len(sess.entries)), nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string, version int64) (*Entry, error) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if version < 1 || version > int64(len(sess.entries)) {
		return nil, ErrNotFound
	}
	return sess.entries[version-1].clone(), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, sessionID string, version int64, status Status) error {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if version < 1 || version > int64(len(sess.entries)) {
		return ErrNotFound
	}
	sess.entries[version-1].RollbackStatus = status
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string, limit int) ([]*Entry, error) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	n := len(sess.entries)
	if limit > n {
		limit = n
	}
	out := make([]*Entry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, sess.entries[i].clone())
	}
	return out, nil
}
