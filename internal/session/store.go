package session

import (
	"sync"
)

// Listener is called with a copy of the state after every write.
type Listener func(State)

// Store holds the current authentication state. It is a plain container:
// it carries no transition logic and is safe for concurrent use.
// Listeners are invoked in write order, outside the state lock, and must
// not write to the store themselves.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners map[uint64]Listener
	nextID    uint64

	// notifyMu serializes listener delivery so notifications arrive in write order
	notifyMu sync.Mutex
}

// NewStore creates a store initialised with NewState().
func NewStore() *Store {
	return &Store{
		state:     NewState(),
		listeners: make(map[uint64]Listener),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

// SetSession replaces the cached session.
func (s *Store) SetSession(sess *Session) {
	s.Apply(func(st *State) { st.Session = sess.Clone() })
}

// SetIsLoggedIn sets the logged-in flag.
func (s *Store) SetIsLoggedIn(v bool) {
	s.Apply(func(st *State) { st.IsLoggedIn = v })
}

// SetIsLoading sets the loading flag.
func (s *Store) SetIsLoading(v bool) {
	s.Apply(func(st *State) { st.IsLoading = v })
}

// SetError sets the last error message. An empty string clears it.
func (s *Store) SetError(msg string) {
	s.Apply(func(st *State) { st.Error = msg })
}

// Apply runs fn against the state as a single write and notifies listeners once.
func (s *Store) Apply(fn func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.state)
	snapshot := copyState(s.state)
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func copyState(st State) State {
	st.Session = st.Session.Clone()
	return st
}
