package control

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/config"
	"github.com/ds-codi/pm-supervisor/internal/controlplane"
	"github.com/ds-codi/pm-supervisor/internal/formapp"
	"github.com/ds-codi/pm-supervisor/internal/mcppool"
	"github.com/ds-codi/pm-supervisor/internal/mcpruntime"
	"github.com/ds-codi/pm-supervisor/internal/registry"
	"github.com/ds-codi/pm-supervisor/internal/runner"
)

// testRuntimeDispatcherConfig builds an mcpruntime.Config whose subprocess
// is a portable shell one-liner echoing a fixed JSON object back over
// stdout, so execute-path tests don't depend on any real MCP runtime
// binary being installed.
func testRuntimeDispatcherConfig(enabled bool) mcpruntime.Config {
	return mcpruntime.Config{
		Command:                 "sh",
		Args:                    []string{"-c", `echo '{"ok":true}'`},
		RuntimeEnabled:          enabled,
		MaxConcurrency:          2,
		QueueLimit:              8,
		QueueWaitTimeout:        time.Second,
		DefaultTimeout:          5 * time.Second,
		PerSessionInflightLimit: 2,
	}
}

// fakeRunner is a runner.Runner test double whose Start/Stop outcomes are
// controlled by the test.
type fakeRunner struct {
	startErr error
	stopErr  error
	started  bool
}

func (f *fakeRunner) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeRunner) Stop(ctx context.Context) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.started = false
	return nil
}

func (f *fakeRunner) Status() bool { return f.started }

func (f *fakeRunner) HealthProbe(ctx context.Context, timeout time.Duration) runner.HealthState {
	return runner.HealthState{Healthy: f.started}
}

func (f *fakeRunner) DiscoverEndpoint() string { return "http://127.0.0.1:0" }

func newTestHandler(t *testing.T) (*Handler, *fakeRunner) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	fr := &fakeRunner{}
	pool := mcppool.New(mcppool.Config{BasePort: 9900, MinInstances: 0, MaxInstances: 0}, zap.NewNop())
	launcher := formapp.New(zap.NewNop())

	h := New(Config{
		InstanceID:        "test-instance",
		Mode:              "node",
		EventsEnabled:     true,
		EventsURL:         "http://127.0.0.1:4100/supervisor/events",
		Registry:          reg,
		Runners:           map[string]runner.Runner{"dashboard": fr},
		Pool:              pool,
		RuntimeDispatcher: mcpruntime.New(testRuntimeDispatcherConfig(false), zap.NewNop()),
		Launcher:          launcher,
		FormApps:          FormApps{},
		Logger:            zap.NewNop(),
	})
	return h, fr
}

func req(reqType string, body any) controlplane.Request {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return controlplane.Request{Type: reqType, Raw: raw}
}

func TestDispatchStatus(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("Status", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got error %q", env.Error)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("NotARequest", map[string]any{}))
	if env.OK {
		t.Fatalf("expected failure for unknown request type")
	}
}

func TestDispatchSetBackendRejectsUnknownBackend(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("SetBackend", map[string]string{"backend": "quantum"}))
	if env.OK {
		t.Fatalf("expected failure for unknown backend")
	}
}

func TestDispatchSetBackendAccepted(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("SetBackend", map[string]string{"backend": "container"}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	if h.cfg.Registry.ActiveBackend() != "container" {
		t.Fatalf("expected active backend to be updated")
	}
}

func TestDispatchAttachDetachClient(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("AttachClient", map[string]any{"pid": 123, "window_id": "w1"}))
	if !env.OK {
		t.Fatalf("attach failed: %q", env.Error)
	}
	data := env.Data.(map[string]string)
	clientID := data["client_id"]
	if clientID == "" {
		t.Fatalf("expected a client id")
	}

	env = h.Handle(context.Background(), req("DetachClient", map[string]string{"client_id": clientID}))
	if !env.OK {
		t.Fatalf("detach failed: %q", env.Error)
	}

	env = h.Handle(context.Background(), req("DetachClient", map[string]string{"client_id": clientID}))
	if env.OK {
		t.Fatalf("expected detaching an already-detached client to fail")
	}
}

func TestDispatchWhoAmI(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("WhoAmI", map[string]string{
		"request_id": "req-1", "client": "vscode-ext", "client_version": "1.2.3",
	}))
	if !env.OK {
		t.Fatalf("whoami failed: %q", env.Error)
	}
	data := env.Data.(map[string]any)
	if data["request_id"] != "req-1" || data["server_name"] != serverName || data["instance_id"] != "test-instance" {
		t.Fatalf("unexpected whoami response: %+v", data)
	}
}

func TestDispatchServiceHealthUnknownService(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("ServiceHealth", map[string]string{"service": "nonexistent"}))
	if env.OK {
		t.Fatalf("expected failure for unknown service")
	}
}

func TestDispatchServiceHealthKnownService(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("ServiceHealth", map[string]string{"service": "mcp"}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
}

func TestDispatchHealthSnapshot(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("HealthSnapshot", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
}

func TestDispatchStateEventsDefaultsLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("StateEvents", map[string]string{"service": "mcp"}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
}

func TestDispatchSetHealthWindowVisibility(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("SetHealthWindowVisibility", map[string]bool{"visible": true}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	if !h.healthWindow.visible {
		t.Fatalf("expected visibility to be recorded")
	}
}

func TestDispatchShutdownSupervisorInvokesCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	h, _ := newTestHandler(t)
	h.cfg.Shutdown = func() { called <- struct{}{} }

	env := h.Handle(context.Background(), req("ShutdownSupervisor", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("expected shutdown callback to run")
	}
}

func TestDispatchSetMcpRuntimePolicyMergesFields(t *testing.T) {
	h, _ := newTestHandler(t)
	cohorts := []string{"wave-a", "wave-b", "wave-c"}
	enabled := true
	env := h.Handle(context.Background(), req("SetMcpRuntimePolicy", map[string]any{
		"enabled":      enabled,
		"wave_cohorts": cohorts,
	}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	policy := h.cfg.Registry.GetRuntimePolicy()
	if !policy.Enabled || len(policy.WaveCohorts) != 3 || policy.WaveCohorts[1] != "wave-b" {
		t.Fatalf("unexpected policy after merge: %+v", policy)
	}
	if !h.cfg.RuntimeDispatcher.RuntimeEnabled() {
		t.Fatalf("expected the live dispatcher, not just the registry mirror, to reflect enabled=true")
	}

	// A second partial update that sets only hard_stop_gate must leave the
	// previously merged cohorts untouched (dispatcher.rs's set_policy merges
	// field by field, never wholesale-replacing unset ones).
	env = h.Handle(context.Background(), req("SetMcpRuntimePolicy", map[string]any{"hard_stop_gate": true}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	policy = h.cfg.Registry.GetRuntimePolicy()
	if !policy.HardStopGate || len(policy.WaveCohorts) != 3 {
		t.Fatalf("expected hard_stop_gate set and cohorts preserved, got %+v", policy)
	}
}

func TestDispatchMcpRuntimeExecEnabledRunsSubprocessAndReturnsResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	h, _ := newTestHandler(t)
	h.cfg.RuntimeDispatcher = mcpruntime.New(testRuntimeDispatcherConfig(true), zap.NewNop())

	env := h.Handle(context.Background(), req("McpRuntimeExec", map[string]any{
		"payload": map[string]any{"runtime": map[string]any{"op": "execute", "session_id": "sess-1"}},
	}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	result, ok := env.Data.(mcpruntime.Result)
	if !ok {
		t.Fatalf("expected an mcpruntime.Result, got %T", env.Data)
	}
	if result.SessionID != "sess-1" || result.State != mcpruntime.StateCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Data["result"].(map[string]any)["ok"] != true {
		t.Fatalf("expected the subprocess's stdout JSON to be surfaced, got %+v", result.Data)
	}
}

func TestDispatchMcpRuntimeExecRejectsCohortNotInHardStopAllowList(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	h, _ := newTestHandler(t)
	cfg := testRuntimeDispatcherConfig(true)
	cfg.HardStopGate = true
	cfg.EnabledWaveCohorts = []string{"stable"}
	h.cfg.RuntimeDispatcher = mcpruntime.New(cfg, zap.NewNop())

	env := h.Handle(context.Background(), req("McpRuntimeExec", map[string]any{
		"payload": map[string]any{"runtime": map[string]any{
			"op": "execute", "session_id": "sess-2", "wave_cohort": "canary",
		}},
	}))
	if env.OK {
		t.Fatalf("expected the hard-stop gate to reject an unlisted cohort, got %+v", env)
	}

	// The allow-listed cohort, case-insensitively, must still be accepted.
	env = h.Handle(context.Background(), req("McpRuntimeExec", map[string]any{
		"payload": map[string]any{"runtime": map[string]any{
			"op": "execute", "session_id": "sess-3", "wave_cohort": "STABLE",
		}},
	}))
	if !env.OK {
		t.Fatalf("expected allow-listed cohort to be accepted, got %q", env.Error)
	}
}

func TestDispatchSubscribeEventsDisabled(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.EventsEnabled = false
	env := h.Handle(context.Background(), req("SubscribeEvents", map[string]any{}))
	if env.OK {
		t.Fatalf("expected failure when events are disabled")
	}
}

func TestDispatchSubscribeEventsEnabled(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.Events = &fakeEventsPublisher{}
	env := h.Handle(context.Background(), req("SubscribeEvents", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
}

func TestDispatchEmitTestEventDisabled(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("EmitTestEvent", map[string]string{"message": "hi"}))
	if env.OK {
		t.Fatalf("expected failure with no events publisher configured")
	}
}

func TestDispatchEmitTestEventEnabled(t *testing.T) {
	h, _ := newTestHandler(t)
	pub := &fakeEventsPublisher{}
	h.cfg.Events = pub
	env := h.Handle(context.Background(), req("EmitTestEvent", map[string]string{"message": "hi"}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	if len(pub.broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(pub.broadcasts))
	}
}

func TestDispatchEventStatsWithoutPublisher(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("EventStats", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	data := env.Data.(map[string]any)
	if data["subscriber_count"] != 0 {
		t.Fatalf("expected zero subscribers with no publisher wired")
	}
}

func TestDispatchListMcpConnectionsEmpty(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("ListMcpConnections", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	conns := env.Data.([]McpConnection)
	if len(conns) != 0 {
		t.Fatalf("expected no connections, got %+v", conns)
	}
}

func TestDispatchCloseMcpConnectionUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("CloseMcpConnection", map[string]string{"session_id": "nope"}))
	if env.OK {
		t.Fatalf("expected failure for unknown session")
	}
}

func TestDispatchListMcpInstancesEmptyPool(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("ListMcpInstances", map[string]any{}))
	if !env.OK {
		t.Fatalf("expected ok, got %q", env.Error)
	}
	views := env.Data.([]mcpInstanceView)
	if len(views) != 0 {
		t.Fatalf("expected no instances in an empty pool, got %+v", views)
	}
}

func TestDispatchScaleUpMcpAtCapacityErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	// newTestHandler's pool is built with MaxInstances: 0, so a forced
	// scale-up must fail immediately without attempting to spawn anything.
	env := h.Handle(context.Background(), req("ScaleUpMcp", map[string]any{}))
	if env.OK {
		t.Fatalf("expected scale-up to fail at zero capacity")
	}
}

func TestDispatchMcpRuntimeExecDisabledByPolicy(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("McpRuntimeExec", map[string]any{"payload": map[string]string{"a": "b"}}))
	if env.OK {
		t.Fatalf("expected failure when runtime policy is disabled")
	}
}

func TestDispatchLifecycleUnknownService(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("Start", map[string]string{"service": "nonexistent"}))
	if env.OK {
		t.Fatalf("expected failure for unknown service")
	}
}

func TestDispatchLifecycleDashboardStartStop(t *testing.T) {
	h, fr := newTestHandler(t)
	env := h.Handle(context.Background(), req("Start", map[string]string{"service": "dashboard"}))
	if !env.OK {
		t.Fatalf("start failed: %q", env.Error)
	}
	if !fr.started {
		t.Fatalf("expected fake runner to be marked started")
	}

	env = h.Handle(context.Background(), req("Stop", map[string]string{"service": "dashboard"}))
	if !env.OK {
		t.Fatalf("stop failed: %q", env.Error)
	}
	if fr.started {
		t.Fatalf("expected fake runner to be marked stopped")
	}
}

func TestDispatchLifecycleDashboardStartError(t *testing.T) {
	h, fr := newTestHandler(t)
	fr.startErr = context.DeadlineExceeded
	env := h.Handle(context.Background(), req("Start", map[string]string{"service": "dashboard"}))
	if env.OK {
		t.Fatalf("expected start failure to propagate")
	}
}

func TestDispatchLifecycleMcpStartStop(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("Start", map[string]string{"service": "mcp"}))
	if !env.OK {
		t.Fatalf("mcp start failed: %q", env.Error)
	}
	env = h.Handle(context.Background(), req("Stop", map[string]string{"service": "mcp"}))
	if !env.OK {
		t.Fatalf("mcp stop failed: %q", env.Error)
	}
}

func TestDispatchLaunchAppUnknownApp(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("LaunchApp", map[string]any{"app_name": "nonexistent", "payload": map[string]string{}}))
	if env.OK {
		t.Fatalf("expected failure for unknown app")
	}
}

func TestDispatchLaunchAppDisabledApp(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.FormApps["brainstorm_gui"] = config.FormAppConfig{Enabled: false}
	env := h.Handle(context.Background(), req("LaunchApp", map[string]any{"app_name": "brainstorm_gui", "payload": map[string]string{}}))
	if env.OK {
		t.Fatalf("expected failure for a disabled app")
	}
}

func TestDispatchContinueAppUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	env := h.Handle(context.Background(), req("ContinueApp", map[string]any{"session_id": "nope", "payload": map[string]string{}}))
	if env.OK {
		t.Fatalf("expected failure for an unknown refinement session")
	}
}

// fakeEventsPublisher is an EventsPublisher test double.
type fakeEventsPublisher struct {
	broadcasts [][]byte
}

func (f *fakeEventsPublisher) BroadcastEvent(payload []byte) {
	f.broadcasts = append(f.broadcasts, payload)
}
func (f *fakeEventsPublisher) EventsSubscriberCount() int { return 2 }
func (f *fakeEventsPublisher) EventsEmitted() uint64      { return uint64(len(f.broadcasts)) }
