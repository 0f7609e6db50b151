// Package registry is the authoritative in-memory store of services,
// clients, sessions, and state events described in spec.md §3/§4.C. All
// operations are short and synchronous, protected by a single coarse
// mutex — spec.md §5 requires it never be held across I/O, which every
// method here respects by construction (no method performs I/O).
//
// The shape is grounded on arkeep/server/internal/agentmanager/manager.go
// (a single RWMutex-guarded map, short critical sections, a logger scoped
// with .Named) generalized from "one map of connected agents" to the
// several related maps spec.md §3 describes.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// canonical service names, always present per spec.md §3.
var canonicalServices = []string{"mcp", "interactive_terminal", "dashboard"}

// maxEvents bounds the state-event ring buffer (spec.md §3/§8).
const maxEvents = 200

// ServiceStatusKind mirrors spec.md §3 Service.status.
type ServiceStatusKind int

const (
	Stopped ServiceStatusKind = iota
	Starting
	Running
	Stopping
	ErrorStatus
)

func (s ServiceStatusKind) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case ErrorStatus:
		return "error"
	default:
		return "unknown"
	}
}

// ServiceStatus is the full status of one service.
type ServiceStatus struct {
	Name       string
	Status     ServiceStatusKind
	Message    string // populated only when Status == ErrorStatus
	PID        int    // 0 if not running
	LastError  string
	LastHealth int64 // epoch seconds, 0 if never probed
}

// StateEvent is an audited connection-state transition (spec.md §3).
type StateEvent struct {
	Service   string
	OldState  string
	NewState  string
	Reason    string
	Timestamp time.Time
}

// Client is a connected external client (spec.md §3).
type Client struct {
	ClientID        string
	PID             int
	WindowID        string
	AttachedAt      time.Time
	ActiveSessionIDs []string
}

// RuntimePolicy is the McpRuntimePolicy additions from SPEC_FULL.md §3: a
// display mirror of mcpruntime.Dispatcher's live policy (enforcement
// happens in the dispatcher itself; this is what status/WhoAmI-style
// callers read back). WaveCohorts is the allow-list of wave-cohort names
// the hard-stop gate checks incoming McpRuntimeExec requests against
// (original_source/supervisor/src/control/runtime/dispatcher.rs's
// enabled_wave_cohorts), not a count.
type RuntimePolicy struct {
	Enabled      bool
	WaveCohorts  []string
	HardStopGate bool
}

// EventStats is a cheap aggregate over the event ring buffer
// (SPEC_FULL.md §3).
type EventStats struct {
	TotalEvents   int
	EventsByService map[string]int
	EventsSinceStart time.Duration
}

// HealthSnapshot is the per-service health view returned to control-plane
// clients (spec.md §4.C).
type HealthSnapshot struct {
	Service    string
	State      string
	LastHealth int64
	LastError  string
}

// Registry is the coarse-locked in-memory store. Create with New.
type Registry struct {
	mu sync.Mutex

	services map[string]*ServiceStatus
	// connectionStates holds the stringified current connection state per
	// service, written only through SetConnectionState; no package outside
	// the tests calls it, so each service keeps the "disconnected" from New.
	connectionStates map[string]string

	events []StateEvent

	clients       map[string]*Client
	nextClientNum int

	activeBackend  string
	upgradePending bool
	runtimePolicy  RuntimePolicy

	startedAt time.Time
	logger    *zap.Logger
}

// New creates a Registry pre-populated with the three canonical services,
// all Stopped/Disconnected.
func New(logger *zap.Logger) *Registry {
	r := &Registry{
		services:         make(map[string]*ServiceStatus, len(canonicalServices)),
		connectionStates: make(map[string]string, len(canonicalServices)),
		clients:          make(map[string]*Client),
		startedAt:        time.Now(),
		logger:           logger.Named("registry"),
	}
	for _, name := range canonicalServices {
		r.services[name] = &ServiceStatus{Name: name, Status: Stopped}
		r.connectionStates[name] = "disconnected"
	}
	return r
}

// ─── Services ────────────────────────────────────────────────────────────

// Snapshot returns all service statuses sorted by name.
func (r *Registry) Snapshot() []ServiceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServiceStatus, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetStatus updates a service's status and pid. Clears Message unless the
// new status is ErrorStatus; LastError is kept.
func (r *Registry) SetStatus(name string, status ServiceStatusKind, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.serviceLocked(name)
	s.Status = status
	s.PID = pid
	if status != ErrorStatus {
		s.Message = ""
	}
}

// ClearService resets a service to Stopped with no pid or error.
func (r *Registry) ClearService(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.serviceLocked(name)
	*s = ServiceStatus{Name: name, Status: Stopped}
}

// MarkHealthOK records a successful probe timestamp.
func (r *Registry) MarkHealthOK(name string, when time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.serviceLocked(name)
	s.LastHealth = when.Unix()
}

// RecordError sets the service's status to ErrorStatus with the given
// message and records it as the last error.
func (r *Registry) RecordError(name, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.serviceLocked(name)
	s.Status = ErrorStatus
	s.Message = message
	s.LastError = message
}

// serviceLocked returns (creating if necessary) the ServiceStatus for name.
// Caller must hold r.mu.
func (r *Registry) serviceLocked(name string) *ServiceStatus {
	s, ok := r.services[name]
	if !ok {
		s = &ServiceStatus{Name: name, Status: Stopped}
		r.services[name] = s
	}
	return s
}

// SetConnectionState records the stringified connection state for name,
// used by HealthSnapshot.
func (r *Registry) SetConnectionState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectionStates[name] = state
}

// HealthSnapshot returns the three canonical services' health in stable
// alphabetical order, plus the active backend (spec.md §4.C/§8).
func (r *Registry) HealthSnapshot() ([]HealthSnapshot, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(canonicalServices))
	names = append(names, canonicalServices...)
	sort.Strings(names)

	out := make([]HealthSnapshot, 0, len(names))
	for _, name := range names {
		s := r.serviceLocked(name)
		out = append(out, HealthSnapshot{
			Service:    name,
			State:      r.connectionStates[name],
			LastHealth: s.LastHealth,
			LastError:  s.LastError,
		})
	}
	return out, r.activeBackend
}

// ─── State events ────────────────────────────────────────────────────────

// PushEvent appends an event, evicting the oldest once the buffer exceeds
// maxEvents (spec.md §3/§8).
func (r *Registry) PushEvent(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	if len(r.events) > maxEvents {
		r.events = r.events[len(r.events)-maxEvents:]
	}
}

// EventsFor returns the last limit events for service, most-recent-last.
// limit<=0 means "all retained events for this service".
func (r *Registry) EventsFor(service string, limit int) []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []StateEvent
	for _, ev := range r.events {
		if ev.Service == service {
			matched = append(matched, ev)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// EventStats aggregates the retained events.
func (r *Registry) EventStats() EventStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	byService := make(map[string]int)
	for _, ev := range r.events {
		byService[ev.Service]++
	}
	return EventStats{
		TotalEvents:      len(r.events),
		EventsByService:  byService,
		EventsSinceStart: time.Since(r.startedAt),
	}
}

// ─── Clients ─────────────────────────────────────────────────────────────

// AttachClient registers a new client and returns a monotonically
// increasing "client-N" id that is never reused (spec.md §3/§8).
func (r *Registry) AttachClient(pid int, windowID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextClientNum++
	id := fmt.Sprintf("client-%d", r.nextClientNum)
	r.clients[id] = &Client{
		ClientID:   id,
		PID:        pid,
		WindowID:   windowID,
		AttachedAt: time.Now(),
	}
	r.logger.Info("client attached", zap.String("client_id", id), zap.Int("pid", pid))
	return id
}

// DetachClient removes a client. Returns false if the client was not found.
func (r *Registry) DetachClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// ListClients returns a snapshot of all attached clients.
func (r *Registry) ListClients() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		cp := *c
		cp.ActiveSessionIDs = append([]string(nil), c.ActiveSessionIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// AddSession adds sessionID to clientID's active session list. Idempotent:
// returns false if already present or if the client does not exist.
func (r *Registry) AddSession(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	for _, s := range c.ActiveSessionIDs {
		if s == sessionID {
			return false
		}
	}
	c.ActiveSessionIDs = append(c.ActiveSessionIDs, sessionID)
	return true
}

// RemoveSession removes sessionID from clientID's active session list.
// Idempotent: returns false if not present or the client does not exist.
func (r *Registry) RemoveSession(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	for i, s := range c.ActiveSessionIDs {
		if s == sessionID {
			c.ActiveSessionIDs = append(c.ActiveSessionIDs[:i], c.ActiveSessionIDs[i+1:]...)
			return true
		}
	}
	return false
}

// ─── Backend / upgrade / runtime policy ─────────────────────────────────

// SetActiveBackend records which backend (node/container) is currently
// serving the MCP service.
func (r *Registry) SetActiveBackend(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeBackend = backend
}

// ActiveBackend returns the currently active backend.
func (r *Registry) ActiveBackend() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeBackend
}

// SetUpgradePending sets or clears the upgrade-pending flag.
func (r *Registry) SetUpgradePending(pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upgradePending = pending
}

// IsUpgradePending reports the current upgrade-pending flag.
func (r *Registry) IsUpgradePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgradePending
}

// SetRuntimePolicy replaces the McpRuntimePolicy wholesale. Fields left at
// their zero value by the caller should be pre-merged with GetRuntimePolicy
// before calling, matching the partial-update semantics of
// SetMcpRuntimePolicy in spec.md §4.G.
func (r *Registry) SetRuntimePolicy(p RuntimePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimePolicy = p
}

// GetRuntimePolicy returns the current McpRuntimePolicy.
func (r *Registry) GetRuntimePolicy() RuntimePolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runtimePolicy
}
