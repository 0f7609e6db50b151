// Package control implements the control handler of spec.md §4.H: a pure
// dispatcher from a decoded NDJSON control-plane request to a uniform
// response envelope, wired against the registry, the service runners, the
// MCP pool, and the form-app launcher. The dispatch-by-discriminator shape
// follows arkeep/server/internal/grpc/server.go's per-RPC method handlers,
// collapsed here into one switch over controlplane.Request.Type since every
// variant answers over the same NDJSON envelope instead of separate gRPC
// methods.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/config"
	"github.com/ds-codi/pm-supervisor/internal/controlplane"
	"github.com/ds-codi/pm-supervisor/internal/formapp"
	"github.com/ds-codi/pm-supervisor/internal/mcppool"
	"github.com/ds-codi/pm-supervisor/internal/mcpruntime"
	"github.com/ds-codi/pm-supervisor/internal/metrics"
	"github.com/ds-codi/pm-supervisor/internal/registry"
	"github.com/ds-codi/pm-supervisor/internal/runner"
)

// serverName and protocolVersion identify this supervisor to WhoAmI
// callers (original_source/supervisor/src/control/protocol.rs's
// WhoAmIResponse).
const (
	serverName      = "project-memory-mcp"
	protocolVersion = "1"
)

// serverCapabilities is the fixed capability list advertised in WhoAmI
// replies.
var serverCapabilities = []string{
	"status", "service_lifecycle", "mcp_pool", "form_apps", "events",
}

// EventsPublisher is the minimal subset of *proxy.Proxy the control
// handler needs for SubscribeEvents/EventStats/EmitTestEvent.
type EventsPublisher interface {
	BroadcastEvent(payload []byte)
	EventsSubscriberCount() int
	EventsEmitted() uint64
}

// FormApps maps a registered app name to its configuration, the
// "configured form-apps map" spec.md §4.H's LaunchApp describes.
type FormApps map[string]config.FormAppConfig

// Config wires a Handler to its surrounding services.
type Config struct {
	InstanceID    string // stable id reported in WhoAmI replies
	Mode          string // "node" or "container", the active backend label
	EventsEnabled bool
	EventsURL     string // URL clients should connect to for SSE events

	Registry *registry.Registry
	Runners  map[string]runner.Runner // keyed by service name, excluding "mcp"
	Pool     *mcppool.Pool
	// MCPContainerRunner is set only when mcp.backend == "container": a
	// single-instance runner.ContainerRunner that lifecycleMCP drives
	// directly instead of the node-backend's multi-instance Pool.
	MCPContainerRunner runner.Runner
	// RuntimeDispatcher backs McpRuntimeExec/SetMcpRuntimePolicy: a
	// separate subprocess dispatcher, distinct from Pool, with its own
	// session lifecycle, backpressure, and wave-cohort hard-stop gate.
	RuntimeDispatcher *mcpruntime.Dispatcher
	Launcher *formapp.Launcher
	FormApps FormApps
	Metrics  *metrics.Metrics
	Events   EventsPublisher // nil if events are disabled
	Shutdown func()          // triggers graceful supervisor shutdown

	Logger *zap.Logger
}

// Handler dispatches control-plane requests per spec.md §4.H.
type Handler struct {
	cfg    Config
	logger *zap.Logger

	conns   *ConnectionTracker
	healthWindow struct {
		mu      sync.Mutex
		visible bool
	}
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:    cfg,
		logger: logger.Named("control"),
		conns:  newConnectionTracker(),
	}
}

// Connections exposes the handler's MCP connection tracker so whatever
// owns the admin-connections poll loop (spec.md §4.H ListMcpConnections)
// can register and retire sessions as they are observed.
func (h *Handler) Connections() *ConnectionTracker {
	return h.conns
}

// Handle implements controlplane.Handler.
func (h *Handler) Handle(ctx context.Context, req controlplane.Request) controlplane.Envelope {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ControlRequests.WithLabelValues(req.Type).Inc()
	}

	data, err := h.dispatch(ctx, req)
	if err != nil {
		return controlplane.Envelope{OK: false, Error: err.Error()}
	}
	return controlplane.Envelope{OK: true, Data: data}
}

func (h *Handler) dispatch(ctx context.Context, req controlplane.Request) (any, error) {
	switch req.Type {
	case "Status":
		return h.cfg.Registry.Snapshot(), nil

	case "Start":
		return h.handleLifecycle(ctx, req, "start")
	case "Stop":
		return h.handleLifecycle(ctx, req, "stop")
	case "Restart":
		return h.handleLifecycle(ctx, req, "restart")

	case "SetBackend":
		var body struct {
			Backend string `json:"backend"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed SetBackend request: %w", err)
		}
		if body.Backend != "node" && body.Backend != "container" {
			return nil, fmt.Errorf("control: unknown backend %q", body.Backend)
		}
		h.cfg.Registry.SetActiveBackend(body.Backend)
		return map[string]string{"active_backend": body.Backend}, nil

	case "ListClients":
		return h.cfg.Registry.ListClients(), nil

	case "AttachClient":
		var body struct {
			PID      int    `json:"pid"`
			WindowID string `json:"window_id"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed AttachClient request: %w", err)
		}
		id := h.cfg.Registry.AttachClient(body.PID, body.WindowID)
		return map[string]string{"client_id": id}, nil

	case "DetachClient":
		var body struct {
			ClientID string `json:"client_id"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed DetachClient request: %w", err)
		}
		if !h.cfg.Registry.DetachClient(body.ClientID) {
			return nil, fmt.Errorf("control: unknown client %q", body.ClientID)
		}
		return map[string]bool{"detached": true}, nil

	case "WhoAmI":
		var body struct {
			RequestID     string `json:"request_id"`
			Client        string `json:"client"`
			ClientVersion string `json:"client_version"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed WhoAmI request: %w", err)
		}
		return map[string]any{
			"request_id":       body.RequestID,
			"ok":               true,
			"server_name":      serverName,
			"server_version":   "0.1.0",
			"instance_id":      h.cfg.InstanceID,
			"mode":             h.cfg.Mode,
			"protocol_version": protocolVersion,
			"capabilities":     serverCapabilities,
		}, nil

	case "ServiceHealth":
		var body struct {
			Service string `json:"service"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed ServiceHealth request: %w", err)
		}
		snaps, backend := h.cfg.Registry.HealthSnapshot()
		for _, s := range snaps {
			if s.Service == body.Service {
				return map[string]any{"health": s, "active_backend": backend}, nil
			}
		}
		return nil, fmt.Errorf("control: unknown service %q", body.Service)

	case "StateEvents":
		var body struct {
			Service string `json:"service"`
			Limit   *int   `json:"limit"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed StateEvents request: %w", err)
		}
		limit := 50
		if body.Limit != nil {
			limit = *body.Limit
		}
		return h.cfg.Registry.EventsFor(body.Service, limit), nil

	case "HealthSnapshot":
		snaps, backend := h.cfg.Registry.HealthSnapshot()
		return map[string]any{"services": snaps, "active_backend": backend}, nil

	case "SetHealthWindowVisibility":
		var body struct {
			Visible bool `json:"visible"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed SetHealthWindowVisibility request: %w", err)
		}
		h.healthWindow.mu.Lock()
		h.healthWindow.visible = body.Visible
		h.healthWindow.mu.Unlock()
		return map[string]bool{"visible": body.Visible}, nil

	case "ShutdownSupervisor":
		if h.cfg.Shutdown != nil {
			go h.cfg.Shutdown()
		}
		return map[string]string{"shutdown": "initiated"}, nil

	case "UpgradeMcp":
		h.cfg.Registry.SetStatus("mcp", registry.Starting, 0)
		h.cfg.Registry.SetUpgradePending(true)
		go h.drainAndRestartMCP(context.Background())
		return map[string]string{"upgrade": "initiated", "service": "mcp"}, nil

	case "ListMcpConnections":
		return h.conns.list(), nil

	case "CloseMcpConnection":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed CloseMcpConnection request: %w", err)
		}
		return h.closeMCPConnection(ctx, body.SessionID)

	case "ListMcpInstances":
		return mcpInstanceViews(h.cfg.Pool.Snapshot()), nil

	case "ScaleUpMcp":
		if h.cfg.MCPContainerRunner != nil {
			return mcpInstanceViews(nil), nil
		}
		if err := h.cfg.Pool.ForceScaleUp(ctx); err != nil {
			return nil, fmt.Errorf("control: scale-up failed: %w", err)
		}
		return mcpInstanceViews(h.cfg.Pool.Snapshot()), nil

	case "McpRuntimeExec":
		var body struct {
			Payload   json.RawMessage `json:"payload"`
			TimeoutMs *int64          `json:"timeout_ms"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed McpRuntimeExec request: %w", err)
		}
		return h.runtimeExec(ctx, body.Payload, body.TimeoutMs)

	case "SetMcpRuntimePolicy":
		var body struct {
			Enabled      *bool     `json:"enabled"`
			WaveCohorts  *[]string `json:"wave_cohorts"`
			HardStopGate *bool     `json:"hard_stop_gate"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed SetMcpRuntimePolicy request: %w", err)
		}
		snap := h.cfg.RuntimeDispatcher.SetPolicy(body.Enabled, body.WaveCohorts, body.HardStopGate)
		policy := registry.RuntimePolicy{Enabled: snap.Enabled, WaveCohorts: snap.WaveCohorts, HardStopGate: snap.HardStopGate}
		h.cfg.Registry.SetRuntimePolicy(policy)
		return policy, nil

	case "SubscribeEvents":
		if !h.cfg.EventsEnabled || h.cfg.Events == nil {
			return nil, fmt.Errorf("control: events stream is disabled")
		}
		return map[string]string{"events_url": h.cfg.EventsURL}, nil

	case "EventStats":
		stats := h.cfg.Registry.EventStats()
		out := map[string]any{
			"enabled":          h.cfg.EventsEnabled,
			"total_events":     stats.TotalEvents,
			"events_by_service": stats.EventsByService,
			"events_since_start_ms": stats.EventsSinceStart.Milliseconds(),
			"subscriber_count": 0,
			"events_emitted":   0,
		}
		if h.cfg.Events != nil {
			out["subscriber_count"] = h.cfg.Events.EventsSubscriberCount()
			out["events_emitted"] = h.cfg.Events.EventsEmitted()
		}
		return out, nil

	case "EmitTestEvent":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed EmitTestEvent request: %w", err)
		}
		if h.cfg.Events == nil {
			return nil, fmt.Errorf("control: events stream is disabled")
		}
		payload, _ := json.Marshal(map[string]string{"type": "test", "message": body.Message})
		h.cfg.Events.BroadcastEvent(payload)
		return map[string]string{"emitted": "test"}, nil

	case "LaunchApp":
		var body struct {
			AppName        string          `json:"app_name"`
			Payload        json.RawMessage `json:"payload"`
			TimeoutSeconds *int            `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed LaunchApp request: %w", err)
		}
		return h.launchApp(ctx, body.AppName, body.Payload, body.TimeoutSeconds)

	case "ContinueApp":
		var body struct {
			SessionID      string          `json:"session_id"`
			Payload        json.RawMessage `json:"payload"`
			TimeoutSeconds *int            `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(req.Raw, &body); err != nil {
			return nil, fmt.Errorf("control: malformed ContinueApp request: %w", err)
		}
		timeout := 60 * time.Second
		if body.TimeoutSeconds != nil {
			timeout = time.Duration(*body.TimeoutSeconds) * time.Second
		}
		start := time.Now()
		resp, err := h.cfg.Launcher.ContinueApp(ctx, body.SessionID, body.Payload, timeout)
		if err != nil {
			return nil, fmt.Errorf("control: continue app failed: %w", err)
		}
		view := formAppResponseView("", resp, time.Since(start).Milliseconds())
		if resp.PendingRefinement {
			view["session_id"] = body.SessionID
		}
		return view, nil

	default:
		return nil, fmt.Errorf("control: unknown request type %q", req.Type)
	}
}

// handleLifecycle dispatches Start/Stop/Restart{service} against either a
// plain runner.Runner (interactive_terminal, dashboard) or the MCP pool
// (mcp), which has no single process to start/stop.
func (h *Handler) handleLifecycle(ctx context.Context, req controlplane.Request, action string) (any, error) {
	var body struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, fmt.Errorf("control: malformed %s request: %w", req.Type, err)
	}

	if body.Service == "mcp" {
		return h.lifecycleMCP(ctx, action)
	}

	r, ok := h.cfg.Runners[body.Service]
	if !ok {
		return nil, fmt.Errorf("control: unknown service %q", body.Service)
	}

	switch action {
	case "start":
		h.cfg.Registry.SetStatus(body.Service, registry.Starting, 0)
		if err := r.Start(ctx); err != nil {
			h.cfg.Registry.RecordError(body.Service, err.Error())
			return nil, fmt.Errorf("control: failed to start %s: %w", body.Service, err)
		}
		h.cfg.Registry.SetStatus(body.Service, registry.Running, 0)
	case "stop":
		h.cfg.Registry.SetStatus(body.Service, registry.Stopping, 0)
		if err := r.Stop(ctx); err != nil {
			h.cfg.Registry.RecordError(body.Service, err.Error())
			return nil, fmt.Errorf("control: failed to stop %s: %w", body.Service, err)
		}
		h.cfg.Registry.ClearService(body.Service)
	case "restart":
		h.cfg.Registry.SetStatus(body.Service, registry.Stopping, 0)
		if err := r.Stop(ctx); err != nil {
			h.cfg.Registry.RecordError(body.Service, err.Error())
			return nil, fmt.Errorf("control: failed to stop %s for restart: %w", body.Service, err)
		}
		h.cfg.Registry.SetStatus(body.Service, registry.Starting, 0)
		if err := r.Start(ctx); err != nil {
			h.cfg.Registry.RecordError(body.Service, err.Error())
			return nil, fmt.Errorf("control: failed to restart %s: %w", body.Service, err)
		}
		h.cfg.Registry.SetStatus(body.Service, registry.Running, 0)
	}
	return map[string]string{"service": body.Service, "status": "ok"}, nil
}

func (h *Handler) lifecycleMCP(ctx context.Context, action string) (any, error) {
	if h.cfg.MCPContainerRunner != nil {
		return h.lifecycleMCPContainer(ctx, action)
	}
	switch action {
	case "start":
		h.cfg.Registry.SetStatus("mcp", registry.Starting, 0)
		if len(h.cfg.Pool.Snapshot()) == 0 {
			if err := h.cfg.Pool.Startup(ctx); err != nil {
				h.cfg.Registry.RecordError("mcp", err.Error())
				return nil, fmt.Errorf("control: failed to start mcp pool: %w", err)
			}
		}
		h.cfg.Registry.SetStatus("mcp", registry.Running, 0)
	case "stop":
		h.cfg.Registry.SetStatus("mcp", registry.Stopping, 0)
		h.cfg.Pool.Stop(ctx)
		h.cfg.Registry.ClearService("mcp")
	case "restart":
		h.cfg.Registry.SetStatus("mcp", registry.Stopping, 0)
		h.cfg.Pool.Stop(ctx)
		h.cfg.Registry.SetStatus("mcp", registry.Starting, 0)
		if err := h.cfg.Pool.Startup(ctx); err != nil {
			h.cfg.Registry.RecordError("mcp", err.Error())
			return nil, fmt.Errorf("control: failed to restart mcp pool: %w", err)
		}
		h.cfg.Registry.SetStatus("mcp", registry.Running, 0)
	}
	return map[string]string{"service": "mcp", "status": "ok"}, nil
}

// lifecycleMCPContainer drives the mcp.backend == "container" case: one
// runner.ContainerRunner standing in for the node backend's Pool.
func (h *Handler) lifecycleMCPContainer(ctx context.Context, action string) (any, error) {
	r := h.cfg.MCPContainerRunner
	switch action {
	case "start":
		h.cfg.Registry.SetStatus("mcp", registry.Starting, 0)
		if err := r.Start(ctx); err != nil {
			h.cfg.Registry.RecordError("mcp", err.Error())
			return nil, fmt.Errorf("control: failed to start mcp container: %w", err)
		}
		h.cfg.Registry.SetStatus("mcp", registry.Running, 0)
	case "stop":
		h.cfg.Registry.SetStatus("mcp", registry.Stopping, 0)
		if err := r.Stop(ctx); err != nil {
			h.cfg.Registry.RecordError("mcp", err.Error())
			return nil, fmt.Errorf("control: failed to stop mcp container: %w", err)
		}
		h.cfg.Registry.ClearService("mcp")
	case "restart":
		h.cfg.Registry.SetStatus("mcp", registry.Stopping, 0)
		if err := r.Stop(ctx); err != nil {
			h.cfg.Registry.RecordError("mcp", err.Error())
			return nil, fmt.Errorf("control: failed to stop mcp container for restart: %w", err)
		}
		h.cfg.Registry.SetStatus("mcp", registry.Starting, 0)
		if err := r.Start(ctx); err != nil {
			h.cfg.Registry.RecordError("mcp", err.Error())
			return nil, fmt.Errorf("control: failed to restart mcp container: %w", err)
		}
		h.cfg.Registry.SetStatus("mcp", registry.Running, 0)
	}
	return map[string]string{"service": "mcp", "status": "ok"}, nil
}

// drainAndRestartMCP backs UpgradeMcp: stop every pool instance, spawn a
// fresh minimum set, then clear the upgrade-pending flag (spec.md §4.G).
func (h *Handler) drainAndRestartMCP(ctx context.Context) {
	if h.cfg.Pool == nil || h.cfg.MCPContainerRunner != nil {
		// Container backend: nothing to drain, so upgrade-pending clears
		// immediately without a restart. Picking up a new image is the
		// container runner's job (spec.md §4.D), not the pool's.
		h.cfg.Registry.SetUpgradePending(false)
		return
	}
	h.cfg.Pool.Stop(ctx)
	if err := h.cfg.Pool.Startup(ctx); err != nil {
		h.logger.Error("mcp upgrade restart failed", zap.Error(err))
		h.cfg.Registry.RecordError("mcp", err.Error())
		h.cfg.Registry.SetUpgradePending(false)
		return
	}
	h.cfg.Registry.SetStatus("mcp", registry.Running, 0)
	h.cfg.Registry.SetUpgradePending(false)
}

// mcpInstanceView is the JSON shape returned for ListMcpInstances/ScaleUpMcp
// (spec.md §3 Pool instance).
type mcpInstanceView struct {
	Port             int  `json:"port"`
	Healthy          bool `json:"healthy"`
	ConsecutiveFails int  `json:"consecutive_failures"`
	ConnectionCount  int  `json:"connection_count"`
}

func mcpInstanceViews(instances []mcppool.Instance) []mcpInstanceView {
	out := make([]mcpInstanceView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, mcpInstanceView{
			Port:             inst.Port,
			Healthy:          inst.Healthy,
			ConsecutiveFails: inst.ConsecutiveFails,
			ConnectionCount:  inst.ConnectionCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// runtimeExec dispatches payload to the runtime-execute subprocess
// dispatcher: a fresh subprocess per call over stdin/stdout JSON, entirely
// separate from Pool's long-lived MCP instances. The dispatcher itself
// enforces the enabled flag, the wave-cohort hard-stop gate, and
// backpressure; a *mcpruntime.Error stays wrapped (errors.As recovers it
// and its Class) and its Envelope() is appended to the error text.
func (h *Handler) runtimeExec(ctx context.Context, payload json.RawMessage, timeoutMs *int64) (any, error) {
	result, err := h.cfg.RuntimeDispatcher.Dispatch(ctx, payload, timeoutMs)
	if err != nil {
		if rtErr, ok := err.(*mcpruntime.Error); ok {
			return nil, fmt.Errorf("control: mcp runtime execution failed: %w (%v)", rtErr, rtErr.Envelope())
		}
		return nil, fmt.Errorf("control: mcp runtime execution failed: %w", err)
	}
	return result, nil
}

// launchApp backs the LaunchApp request (spec.md §4.H).
func (h *Handler) launchApp(ctx context.Context, appName string, payload json.RawMessage, timeoutSecondsOverride *int) (any, error) {
	appCfg, ok := h.cfg.FormApps[appName]
	if !ok {
		names := make([]string, 0, len(h.cfg.FormApps))
		for n := range h.cfg.FormApps {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("control: unknown form app %q, known apps: %v", appName, names)
	}
	if !appCfg.Enabled {
		return nil, fmt.Errorf("control: form app %q is disabled", appName)
	}

	timeout := appCfg.Timeout()
	if timeoutSecondsOverride != nil {
		timeout = time.Duration(*timeoutSecondsOverride) * time.Second
	}

	launchCfg := formapp.Config{
		Command:    appCfg.Command,
		Args:       appCfg.Args,
		WorkingDir: appCfg.WorkingDir,
		Env:        appCfg.Env,
		Timeout:    timeout,
	}

	sessionID := newSessionID()
	start := time.Now()
	resp, err := h.cfg.Launcher.Launch(ctx, appName, sessionID, launchCfg, payload)
	elapsed := time.Since(start)
	if err != nil {
		return map[string]any{
			"app_name":   appName,
			"success":    false,
			"error":      err.Error(),
			"elapsed_ms": elapsed.Milliseconds(),
			"timed_out":  false,
		}, nil
	}

	view := formAppResponseView(appName, resp, elapsed.Milliseconds())
	if resp.PendingRefinement {
		view["session_id"] = sessionID
	}
	return view, nil
}

// formAppResponseView builds the FormAppResponse envelope spec.md §4.H
// defines.
func formAppResponseView(appName string, resp formapp.Response, elapsedMs int64) map[string]any {
	out := map[string]any{
		"app_name":           appName,
		"success":            !resp.TimedOut,
		"elapsed_ms":         elapsedMs,
		"timed_out":          resp.TimedOut,
		"pending_refinement": resp.PendingRefinement,
	}
	if resp.Raw != nil {
		out["response_payload"] = resp.Raw
	}
	return out
}
