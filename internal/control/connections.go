package control

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// newSessionID mints a session token for form-app refinement
// continuations, the same uuid.NewString() idiom
// internal/savedcommands uses for command ids.
func newSessionID() string {
	return uuid.NewString()
}

// McpConnection is the in-memory McpConnectionEntry of spec.md §3: one
// active VS Code <-> MCP HTTP session tracked from the pool.
type McpConnection struct {
	SessionID    string `json:"session_id"`
	InstancePort int    `json:"instance_port"`
}

// ConnectionTracker holds the live MCP connection set. It is deliberately
// in-memory only (spec.md §3's Ownership paragraph keeps McpConnectionEntry
// out of any on-disk store); entries are registered by whatever owns the
// admin-connections poll loop (the reverse proxy's session discovery,
// out of this package's scope) via Track, and retired either by that same
// poller or by CloseMcpConnection below.
type ConnectionTracker struct {
	mu    sync.Mutex
	byID  map[string]McpConnection
}

func newConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{byID: make(map[string]McpConnection)}
}

// Track registers (or refreshes) a connection's session-to-port mapping.
func (c *ConnectionTracker) Track(sessionID string, instancePort int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[sessionID] = McpConnection{SessionID: sessionID, InstancePort: instancePort}
}

// Untrack removes a session, returning false if it was not present.
func (c *ConnectionTracker) Untrack(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[sessionID]; !ok {
		return false
	}
	delete(c.byID, sessionID)
	return true
}

func (c *ConnectionTracker) list() []McpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]McpConnection, 0, len(c.byID))
	for _, conn := range c.byID {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (c *ConnectionTracker) get(sessionID string) (McpConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.byID[sessionID]
	return conn, ok
}

// closeMCPConnection implements CloseMcpConnection: call DELETE
// /admin/connections/{session_id} on the owning MCP instance, then remove
// the entry regardless of the instance's response (spec.md §4.H treats
// the registry as authoritative even if the backend call fails to
// acknowledge, so a session can always be forgotten locally).
func (h *Handler) closeMCPConnection(ctx context.Context, sessionID string) (any, error) {
	conn, ok := h.conns.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("control: unknown mcp session %q", sessionID)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/admin/connections/%s", conn.InstancePort, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err == nil {
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		} else {
			h.logger.Warn("failed to notify mcp instance of connection close", zap.Error(err))
		}
	}

	h.conns.Untrack(sessionID)
	return map[string]bool{"closed": true}, nil
}
