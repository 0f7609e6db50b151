package executor

import "sync"

// SessionContext is the per-terminal-session state of spec.md §3: the last
// selected profile/workspace/venv, carried forward so later requests don't
// have to repeat them.
type SessionContext struct {
	SelectedTerminalProfile string
	WorkspacePath           string
	SelectedVenvPath        string
	ActivateVenv            bool
}

// SessionStore holds one SessionContext per session id and applies the
// hydration policy spec.md §3 describes: a request's missing fields are
// filled from the session's context, and the request's non-empty fields
// update the context in turn.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionContext
}

// NewSessionStore builds an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*SessionContext)}
}

// Hydrate fills req's empty fields from the named session's context, then
// folds req's non-empty fields back into that context, returning the
// hydrated request. Safe for concurrent use across sessions; serializes
// per call for a single session.
func (s *SessionStore) Hydrate(sessionID string, req CommandRequest) CommandRequest {
	if sessionID == "" {
		sessionID = "default"
	}
	req.SessionID = sessionID

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.sessions[sessionID]
	if !ok {
		ctx = &SessionContext{}
		s.sessions[sessionID] = ctx
	}

	if req.TerminalProfile == "" {
		req.TerminalProfile = ctx.SelectedTerminalProfile
	}
	if req.WorkspacePath == "" {
		req.WorkspacePath = ctx.WorkspacePath
	}
	if req.VenvPath == "" {
		req.VenvPath = ctx.SelectedVenvPath
	}
	if !req.ActivateVenv {
		req.ActivateVenv = ctx.ActivateVenv
	}

	if req.TerminalProfile != "" {
		ctx.SelectedTerminalProfile = req.TerminalProfile
	}
	if req.WorkspacePath != "" {
		ctx.WorkspacePath = req.WorkspacePath
	}
	if req.VenvPath != "" {
		ctx.SelectedVenvPath = req.VenvPath
	}
	if req.ActivateVenv {
		ctx.ActivateVenv = true
	}

	return req
}

// Get returns a copy of the session's current context, for diagnostics.
func (s *SessionStore) Get(sessionID string) SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.sessions[sessionID]; ok {
		return *ctx
	}
	return SessionContext{}
}
