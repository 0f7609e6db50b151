package mcpruntime

import (
	"sync"

	"github.com/google/uuid"
)

// SessionState mirrors original_source/supervisor/src/control/runtime/
// contracts.rs's RuntimeSessionState.
type SessionState string

const (
	StateInitialized SessionState = "initialized"
	StateExecuting   SessionState = "executing"
	StateCancelling  SessionState = "cancelling"
	StateCancelled   SessionState = "cancelled"
	StateCompleted   SessionState = "completed"
	StateTimedOut    SessionState = "timed_out"
	StateFailed      SessionState = "failed"
)

// SessionSnapshot is the bridge/control-plane-facing view of one runtime
// session (contracts.rs's RuntimeSessionSnapshot).
type SessionSnapshot struct {
	SessionID    string       `json:"session_id"`
	State        SessionState `json:"state"`
	LastError    string       `json:"last_error,omitempty"`
}

// sessionCoordinator is the init/transition/lookup store for runtime
// sessions, grounded on
// original_source/supervisor/src/control/runtime/sessions.rs's
// SessionCoordinator.
type sessionCoordinator struct {
	mu       sync.Mutex
	sessions map[string]*SessionSnapshot
}

func newSessionCoordinator() *sessionCoordinator {
	return &sessionCoordinator{sessions: make(map[string]*SessionSnapshot)}
}

// initSession returns the existing session for requestedID if present,
// otherwise creates one (generating an id if requestedID is empty).
func (s *sessionCoordinator) initSession(requestedID string) SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := s.sessions[id]; ok {
		return *existing
	}
	snap := &SessionSnapshot{SessionID: id, State: StateInitialized}
	s.sessions[id] = snap
	return *snap
}

// setState transitions sessionID to state, returning the updated snapshot
// and ok=false if the session is unknown.
func (s *sessionCoordinator) setState(sessionID string, state SessionState, lastError string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}, false
	}
	snap.State = state
	if lastError != "" {
		snap.LastError = lastError
	}
	return *snap, true
}

func (s *sessionCoordinator) snapshot(sessionID string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}, false
	}
	return *snap, true
}

func (s *sessionCoordinator) list() []SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, snap := range s.sessions {
		out = append(out, *snap)
	}
	return out
}
