package session

import "sync"

// Store is the process-scoped registry of sessions, keyed by session id.
// It is created at process start and drained at shutdown by closing every
// session; nothing else holds ambient session state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session registry.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Add inserts or overwrites the session under its id.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.SessionID] = s
}

// Get returns the session for id, if registered.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Ensure returns the session for id, failing if it is absent or closed.
// Every operation that must act on a live session goes through this guard.
func (st *Store) Ensure(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()

	if !ok {
		return nil, invalidRequestf("session %s does not exist or is closed", id)
	}
	if s.Closed() {
		return nil, invalidRequestf("session %s is closed", id)
	}
	return s, nil
}

// Remove deletes the entry for id. Idempotent.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// List returns a snapshot of all registered sessions, including ones marked
// closed but not yet removed. Order is unspecified.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
