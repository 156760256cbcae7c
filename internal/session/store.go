package session

import "sync"

// Store owns every live session, keyed by cookie. All mutation goes through
// its methods; the zero value is not usable, use NewStore.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session for cookie. The caller must have already
// verified the cookie is not in use; Create panics on collision since that
// indicates a bug in the caller (cookie allocation is the manager's job),
// not a reachable runtime condition.
func (st *Store) Create(cookie string, src Source, ctx Context) Event {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.sessions[cookie]; exists {
		panic("session: duplicate cookie " + cookie)
	}
	s := newSession(cookie, src, ctx)
	st.sessions[cookie] = s
	return s.toCreatedEvent()
}

// UpdatePrompt sets the live prompt text and echo flag. clearError also
// clears any existing error; info is always cleared by a prompt update.
// Returns the updated-event and true, or the zero Event and false if cookie
// is unknown.
func (st *Store) UpdatePrompt(cookie, prompt string, echo, clearError bool) (Event, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok {
		return Event{}, false
	}
	s.Prompt = prompt
	s.Echo = echo
	s.Info = ""
	if clearError {
		s.Error = ""
	}
	return s.toUpdatedEvent(), true
}

// UpdateError sets the session's error string (overwriting any existing
// one) and returns the resulting updated-event.
func (st *Store) UpdateError(cookie, errMsg string) (Event, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok {
		return Event{}, false
	}
	s.Error = errMsg
	return s.toUpdatedEvent(), true
}

// UpdateInfo sets a transient info string and returns the updated-event.
func (st *Store) UpdateInfo(cookie, info string) (Event, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok {
		return Event{}, false
	}
	s.Info = info
	return s.toUpdatedEvent(), true
}

// UpdatePinentryRetry updates a pinentry session's retry counters in place.
// Reports false if the cookie is unknown or not a pinentry session.
func (st *Store) UpdatePinentryRetry(cookie string, cur, max int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok || s.Source != SourcePinentry {
		return false
	}
	s.Context.CurRetry = &cur
	s.Context.MaxRetries = &max
	return true
}

// Close terminates a session with result, producing and then discarding the
// record — a close destroys the session immediately after building the
// closed-event, so a later Get on the same cookie returns not-found.
func (st *Store) Close(cookie string, result Result, errMsg string) (Event, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok {
		return Event{}, false
	}
	if errMsg != "" {
		s.Error = errMsg
	}
	s.close(result, s.Error)
	ev := s.toClosedEvent()
	delete(st.sessions, cookie)
	return ev, true
}

// Get returns a snapshot copy of the session for cookie, or false if unknown.
// The returned value must not be mutated; use the Store methods instead.
func (st *Store) Get(cookie string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[cookie]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Size returns the number of live sessions.
func (st *Store) Size() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Empty reports whether there are no live sessions.
func (st *Store) Empty() bool {
	return st.Size() == 0
}

// All returns created+updated events for every live session, in the shape
// subscribe's snapshot replay needs: a created event followed by an
// updated event per session, preserving the invariant that created
// precedes updated for the same cookie.
func (st *Store) All() []Event {
	st.mu.Lock()
	defer st.mu.Unlock()

	events := make([]Event, 0, len(st.sessions)*2)
	for _, s := range st.sessions {
		events = append(events, s.toCreatedEvent(), s.toUpdatedEvent())
	}
	return events
}
