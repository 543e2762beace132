package orchestrator

import (
	"sync"
	"time"

	"github.com/gzf09/agent-aigateway/internal/plan"
	"github.com/gzf09/agent-aigateway/internal/safety"
)

// State is the confirmation state of a session.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

// Pending is a write batch waiting for the operator's confirmation.
type Pending struct {
	Calls []plan.Call
	Card  safety.Card

	// BeforeStates holds the state fetched for each update or delete,
	// keyed by the call's index in Calls.
	BeforeStates map[int]map[string]any

	Risk      safety.Tier
	Warnings  []string
	CreatedAt time.Time
}

// SessionStore holds at most one Pending per session. Callers serialize
// access per session; implementations only need to be safe across sessions.
type SessionStore interface {
	Get(sessionID string) (*Pending, bool)

	// Put replaces the session's pending batch. A nil p clears it.
	Put(sessionID string, p *Pending)
}

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu      sync.RWMutex
	pending map[string]*Pending
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{pending: make(map[string]*Pending)}
}

func (s *MemorySessionStore) Get(sessionID string) (*Pending, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[sessionID]
	return p, ok
}

func (s *MemorySessionStore) Put(sessionID string, p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		delete(s.pending, sessionID)
		return
	}
	s.pending[sessionID] = p
}

// sessionLocks hands out one mutex per session. Entries are reference
// counted and dropped once no turn holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// lock blocks until the session is free and returns its unlock function.
func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
