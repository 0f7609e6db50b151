// Package mcpruntime implements the McpRuntimeExec subprocess dispatcher:
// a separate, stdin/stdout-JSON subprocess spawned fresh per call, distinct
// from the long-lived pool instances internal/mcppool manages. It owns
// session lifecycle (init/cancel/complete/execute), a backpressure gate,
// a cancellation registry, telemetry counters, and a wave-cohort
// hard-stop gate — grounded on
// original_source/supervisor/src/control/runtime/dispatcher.rs.
package mcpruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode is the requested runtime operation, decoded from payload.runtime.op.
type Mode string

const (
	ModeInit     Mode = "init"
	ModeCancel   Mode = "cancel"
	ModeComplete Mode = "complete"
	ModeExecute  Mode = "execute"
)

// Config wires a Dispatcher to its subprocess and policy defaults.
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string

	RuntimeEnabled          bool
	MaxConcurrency          int
	QueueLimit              int
	QueueWaitTimeout        time.Duration
	DefaultTimeout          time.Duration
	PerSessionInflightLimit int
	EnabledWaveCohorts      []string
	HardStopGate            bool
}

// Result is the successful outcome of a Dispatch call.
type Result struct {
	SessionID string         `json:"session_id"`
	State     SessionState   `json:"state"`
	Data      map[string]any `json:"data"`
}

// Dispatcher runs McpRuntimeExec's execute/init/cancel/complete protocol
// over a fresh subprocess per execute call.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.RWMutex
	runtimeEnabled bool
	waveCohorts    []string
	hardStopGate   bool

	backpressure  *backpressureGate
	sessions      *sessionCoordinator
	cancellations *cancellationRegistry
	telemetry     *telemetry
}

// New builds a Dispatcher from cfg.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cohorts := append([]string(nil), cfg.EnabledWaveCohorts...)
	return &Dispatcher{
		cfg:            cfg,
		logger:         logger.Named("mcpruntime"),
		runtimeEnabled: cfg.RuntimeEnabled,
		waveCohorts:    cohorts,
		hardStopGate:   cfg.HardStopGate,
		backpressure:   newBackpressureGate(cfg.MaxConcurrency, cfg.QueueLimit, cfg.PerSessionInflightLimit),
		sessions:       newSessionCoordinator(),
		cancellations:  newCancellationRegistry(),
		telemetry:      &telemetry{},
	}
}

// RuntimeEnabled reports whether runtime execution is currently allowed.
func (d *Dispatcher) RuntimeEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runtimeEnabled
}

// PolicySnapshot is the current live policy state, mirrored for display
// into registry.RuntimePolicy by control.Handler.
type PolicySnapshot struct {
	Enabled      bool
	WaveCohorts  []string
	HardStopGate bool
}

// SetPolicy merges non-nil fields into the live policy, matching
// dispatcher.rs's set_policy partial-update semantics, and returns the
// merged snapshot.
func (d *Dispatcher) SetPolicy(enabled *bool, waveCohorts *[]string, hardStopGate *bool) PolicySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if enabled != nil {
		d.runtimeEnabled = *enabled
	}
	if waveCohorts != nil {
		d.waveCohorts = append([]string(nil), (*waveCohorts)...)
	}
	if hardStopGate != nil {
		d.hardStopGate = *hardStopGate
	}
	return PolicySnapshot{
		Enabled:      d.runtimeEnabled,
		WaveCohorts:  append([]string(nil), d.waveCohorts...),
		HardStopGate: d.hardStopGate,
	}
}

type runtimeEnvelope struct {
	Runtime *struct {
		Op         string `json:"op"`
		SessionID  string `json:"session_id"`
		WaveCohort string `json:"wave_cohort"`
		Cohort     string `json:"cohort"`
	} `json:"runtime"`
	WaveCohort string `json:"wave_cohort"`
	Cohort     string `json:"cohort"`
}

func parseEnvelope(payload json.RawMessage) runtimeEnvelope {
	var env runtimeEnvelope
	_ = json.Unmarshal(payload, &env) // malformed/non-object payloads just mean execute+no-session
	return env
}

func (env runtimeEnvelope) mode() Mode {
	if env.Runtime == nil {
		return ModeExecute
	}
	switch env.Runtime.Op {
	case "init":
		return ModeInit
	case "cancel":
		return ModeCancel
	case "complete":
		return ModeComplete
	default:
		return ModeExecute
	}
}

func (env runtimeEnvelope) sessionID() string {
	if env.Runtime == nil {
		return ""
	}
	return env.Runtime.SessionID
}

func (env runtimeEnvelope) waveCohort() string {
	candidates := []string{}
	if env.Runtime != nil {
		candidates = append(candidates, env.Runtime.WaveCohort, env.Runtime.Cohort)
	}
	candidates = append(candidates, env.WaveCohort, env.Cohort)
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			return trimmed
		}
	}
	return "unclassified"
}

// Dispatch runs one runtime operation. Execute is gated by RuntimeEnabled
// and, when the hard-stop gate is on and an allow-list is configured, by
// the requested wave cohort appearing in it (case-insensitive) — matching
// dispatcher.rs:154-169 exactly: the gate only rejects when both
// hard_stop_gate is set AND the allow-list is non-empty.
func (d *Dispatcher) Dispatch(ctx context.Context, payload json.RawMessage, timeoutMs *int64) (Result, error) {
	env := parseEnvelope(payload)
	mode := env.mode()
	sessionID := env.sessionID()

	switch mode {
	case ModeInit:
		snap := d.sessions.initSession(sessionID)
		return Result{SessionID: snap.SessionID, State: snap.State, Data: map[string]any{"session": snap}}, nil

	case ModeCancel:
		if sessionID == "" {
			return Result{}, &Error{Class: "invalid_request", Message: "cancel operation requires runtime.session_id"}
		}
		snap, err := d.cancelSession(sessionID)
		if err != nil {
			return Result{}, err
		}
		return Result{SessionID: snap.SessionID, State: snap.State, Data: map[string]any{"session": snap}}, nil

	case ModeComplete:
		if sessionID == "" {
			return Result{}, &Error{Class: "invalid_request", Message: "complete operation requires runtime.session_id"}
		}
		snap, ok := d.sessions.setState(sessionID, StateCompleted, "")
		if !ok {
			return Result{}, &Error{Class: "invalid_request", Message: fmt.Sprintf("unknown runtime session: %s", sessionID)}
		}
		d.cancellations.clear(sessionID)
		return Result{SessionID: snap.SessionID, State: snap.State, Data: map[string]any{"session": snap}}, nil
	}

	return d.execute(ctx, payload, sessionID, env.waveCohort(), timeoutMs)
}

func (d *Dispatcher) execute(ctx context.Context, payload json.RawMessage, requestedSession, requestedCohort string, timeoutMs *int64) (Result, error) {
	if !d.RuntimeEnabled() {
		return Result{}, &Error{Class: "runtime_disabled"}
	}

	d.mu.RLock()
	cohorts := append([]string(nil), d.waveCohorts...)
	hardStop := d.hardStopGate
	d.mu.RUnlock()

	if hardStop && len(cohorts) > 0 && !cohortAllowed(cohorts, requestedCohort) {
		d.telemetry.onHardStop()
		return Result{}, &Error{Class: "hard_stop", RequestedCohort: requestedCohort, AllowedCohorts: cohorts}
	}

	session := d.sessions.initSession(requestedSession)
	sessionID := session.SessionID

	d.telemetry.onStarted()
	d.sessions.setState(sessionID, StateExecuting, "")

	waitTimeout := d.cfg.QueueWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 2 * time.Second
	}
	release, bpErr := d.backpressure.acquire(sessionID, waitTimeout)
	if bpErr != nil {
		d.telemetry.onOverloaded()
		return Result{}, bpErr
	}
	defer release()

	if d.cancellations.isCancelled(sessionID) {
		d.telemetry.onCancelled()
		d.sessions.setState(sessionID, StateCancelled, "")
		return Result{}, &Error{Class: "cancelled", SessionID: sessionID}
	}

	effectiveTimeout := d.cfg.DefaultTimeout
	if timeoutMs != nil {
		effectiveTimeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	if effectiveTimeout <= 0 {
		effectiveTimeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := d.runSubprocess(runCtx, payload)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			d.telemetry.onTimedOut()
			d.sessions.setState(sessionID, StateTimedOut, "")
			d.cancellations.clear(sessionID)
			return Result{}, &Error{Class: "timed_out", SessionID: sessionID, TimeoutMs: effectiveTimeout.Milliseconds()}
		}
		msg := err.Error()
		d.telemetry.onFailed()
		d.sessions.setState(sessionID, StateFailed, msg)
		d.cancellations.clear(sessionID)
		return Result{}, &Error{Class: "subprocess_failure", Message: msg}
	}

	if exitCode != 0 {
		stderrMsg := strings.TrimSpace(stderr)
		if stderrMsg == "" {
			stderrMsg = "no stderr"
		}
		msg := fmt.Sprintf("runtime subprocess failed (exit=%d): %s", exitCode, stderrMsg)
		d.telemetry.onFailed()
		d.sessions.setState(sessionID, StateFailed, msg)
		d.cancellations.clear(sessionID)
		return Result{}, &Error{Class: "subprocess_failure", Message: msg}
	}

	trimmedStdout := strings.TrimSpace(stdout)
	var parsedStdout any
	if trimmedStdout == "" {
		parsedStdout = nil
	} else if err := json.Unmarshal([]byte(trimmedStdout), &parsedStdout); err != nil {
		parsedStdout = map[string]any{"stdout": trimmedStdout}
	}

	d.telemetry.onCompleted()
	d.sessions.setState(sessionID, StateCompleted, "")
	d.cancellations.clear(sessionID)

	var stderrOut any
	if trimmedStderr := strings.TrimSpace(stderr); trimmedStderr != "" {
		stderrOut = trimmedStderr
	}

	return Result{
		SessionID: sessionID,
		State:     StateCompleted,
		Data: map[string]any{
			"result":    parsedStdout,
			"stderr":    stderrOut,
			"exit_code": exitCode,
			"runtime": map[string]any{
				"mode":        "native_supervisor",
				"queue_depth": d.backpressure.queueDepth(),
			},
		},
	}, nil
}

// runSubprocess spawns cfg.Command/Args fresh, writes payload followed by
// a newline to stdin, closes stdin, and waits for completion — matching
// dispatcher.rs's use of tokio::process::Command with piped stdio.
func (d *Dispatcher) runSubprocess(ctx context.Context, payload json.RawMessage) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
	if d.cfg.WorkingDir != "" {
		cmd.Dir = d.cfg.WorkingDir
	}
	if len(d.cfg.Env) > 0 {
		cmd.Env = d.cfg.Env
	}

	stdin, pipeErr := cmd.StdinPipe()
	if pipeErr != nil {
		return "", "", -1, fmt.Errorf("failed to create runtime stdin pipe: %w", pipeErr)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if startErr := cmd.Start(); startErr != nil {
		return "", "", -1, fmt.Errorf("failed to spawn mcp runtime command %s: %w", d.cfg.Command, startErr)
	}

	input := append(append([]byte(nil), payload...), '\n')
	if _, writeErr := stdin.Write(input); writeErr != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		return "", "", -1, fmt.Errorf("failed to write payload to runtime stdin: %w", writeErr)
	}
	stdin.Close()

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return "", "", -1, fmt.Errorf("runtime subprocess wait failed: %w", waitErr)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

func cohortAllowed(allowed []string, requested string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, requested) {
			return true
		}
	}
	return false
}

// CancelSession requests cancellation of sessionID, transitioning it
// through Cancelling to Cancelled (dispatcher.rs's cancel_session). A
// session already Completed is left untouched and returned as-is.
func (d *Dispatcher) CancelSession(sessionID string) (SessionSnapshot, error) {
	return d.cancelSession(sessionID)
}

func (d *Dispatcher) cancelSession(sessionID string) (SessionSnapshot, error) {
	snap, ok := d.sessions.snapshot(sessionID)
	if !ok {
		return SessionSnapshot{}, &Error{Class: "invalid_request", Message: fmt.Sprintf("unknown runtime session: %s", sessionID)}
	}
	if snap.State == StateCompleted {
		return snap, nil
	}

	d.telemetry.onCancelled()
	d.sessions.setState(sessionID, StateCancelling, "")
	d.cancellations.requestCancel(sessionID)

	updated, ok := d.sessions.setState(sessionID, StateCancelled, "")
	if !ok {
		return SessionSnapshot{}, &Error{Class: "internal", Message: fmt.Sprintf("failed to mark runtime session cancelled: %s", sessionID)}
	}
	return updated, nil
}

// ListSessions returns every known runtime session.
func (d *Dispatcher) ListSessions() []SessionSnapshot {
	return d.sessions.list()
}

// TelemetrySnapshot returns the current counters.
func (d *Dispatcher) TelemetrySnapshot() map[string]int64 {
	return d.telemetry.Snapshot()
}
