// Package statemachine implements the per-service connection lifecycle
// described in spec.md §3/§4.A: Disconnected → Probing → Connecting →
// Verifying → Connected → Reconnecting, with exponential back-off on
// failure. It is pure — no I/O — so every transition is unit testable in
// isolation. No other package in this module constructs or drives a
// Machine: internal/runner and internal/mcppool start processes and probe
// health on their own, and no transition reaches the registry.
package statemachine

import (
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/backoff"
)

// Kind identifies the current connection state. Reconnecting carries an
// associated retry delay, so it is modeled as a struct rather than a bare
// constant — see State.
type Kind int

const (
	Disconnected Kind = iota
	Probing
	Connecting
	Verifying
	Connected
	Reconnecting
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Probing:
		return "probing"
	case Connecting:
		return "connecting"
	case Verifying:
		return "verifying"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is the full connection state of one service: a Kind plus the retry
// delay carried by Reconnecting (zero for every other Kind).
type State struct {
	Kind         Kind
	RetryAfterMs int64
}

// RestartPolicy governs what on_probe_failure/on_failure do when a failure
// occurs: retry with back-off, or give up permanently.
type RestartPolicy int

const (
	// AlwaysRestart retries forever (subject to MaxAttempts in the back-off
	// config — reaching it still lands in Disconnected via ShouldGiveUp).
	AlwaysRestart RestartPolicy = iota
	// NeverRestart transitions straight to Disconnected on any failure.
	NeverRestart
)

// TransitionEvent is emitted by every transition method, mirroring
// spec.md §3's StateEvent shape minus the service name (the caller knows
// which machine it owns and attaches the name itself before pushing to the
// registry's ring buffer).
type TransitionEvent struct {
	Old       Kind
	New       Kind
	Reason    string
	Timestamp time.Time
}

// Machine is one service's connection state machine. The zero value is not
// usable — construct with New.
type Machine struct {
	state  State
	policy RestartPolicy
	back   *backoff.State
	logger *zap.Logger

	// onTransition, if set, receives every successful transition.
	onTransition func(TransitionEvent)
}

// New creates a Machine starting in Disconnected.
func New(backoffCfg backoff.Config, policy RestartPolicy, logger *zap.Logger) *Machine {
	return &Machine{
		state:  State{Kind: Disconnected},
		policy: policy,
		back:   backoff.New(backoffCfg),
		logger: logger.Named("statemachine"),
	}
}

// OnTransition registers a callback invoked after every state change that
// actually occurs (no-op transitions from an invalid source do not call it).
func (m *Machine) OnTransition(fn func(TransitionEvent)) {
	m.onTransition = fn
}

// Current returns a copy of the current state.
func (m *Machine) Current() State {
	return m.state
}

// AttemptCount returns the number of consecutive failures since the last
// reset (on_health_ok or on_disconnect).
func (m *Machine) AttemptCount() int {
	return m.back.AttemptCount()
}

// ShouldGiveUp reports whether the configured attempt cap has been reached.
func (m *Machine) ShouldGiveUp() bool {
	return m.back.ShouldGiveUp()
}

func (m *Machine) transition(to Kind, reason string) {
	old := m.state.Kind
	m.state = State{Kind: to}
	if m.onTransition != nil {
		m.onTransition(TransitionEvent{Old: old, New: to, Reason: reason, Timestamp: time.Now()})
	}
	m.logger.Debug("transition", zap.Stringer("from", old), zap.Stringer("to", to), zap.String("reason", reason))
}

// onFailure is shared by on_probe_failure and on_failure: increments the
// attempt count, computes the back-off delay, and transitions to either
// Reconnecting{delay} or Disconnected (NeverRestart, or the attempt cap was
// reached).
func (m *Machine) onFailure(reason string) {
	delay := m.back.RecordFailure()
	if m.policy == NeverRestart || m.back.ShouldGiveUp() {
		m.transition(Disconnected, reason)
		return
	}
	old := m.state.Kind
	m.state = State{Kind: Reconnecting, RetryAfterMs: delay.Milliseconds()}
	if m.onTransition != nil {
		m.onTransition(TransitionEvent{Old: old, New: Reconnecting, Reason: reason, Timestamp: time.Now()})
	}
	m.logger.Debug("transition", zap.Stringer("from", old), zap.Stringer("to", Reconnecting),
		zap.String("reason", reason), zap.Int64("retry_after_ms", delay.Milliseconds()))
}

// OnStart: Disconnected|Reconnecting -> Probing. No-op otherwise.
func (m *Machine) OnStart() {
	switch m.state.Kind {
	case Disconnected, Reconnecting:
		m.transition(Probing, "start")
	}
}

// OnProbeSuccess: Probing -> Connecting. No-op otherwise.
func (m *Machine) OnProbeSuccess() {
	if m.state.Kind == Probing {
		m.transition(Connecting, "probe_success")
	}
}

// OnProbeFailure: Probing|Connecting|Verifying -> Reconnecting{delay} or
// Disconnected (NeverRestart). No-op otherwise.
func (m *Machine) OnProbeFailure() {
	switch m.state.Kind {
	case Probing, Connecting, Verifying:
		m.onFailure("probe_failure")
	}
}

// OnProcessReady: Connecting -> Verifying. No-op otherwise.
func (m *Machine) OnProcessReady() {
	if m.state.Kind == Connecting {
		m.transition(Verifying, "process_ready")
	}
}

// OnHealthOk: Verifying -> Connected, and resets back-off + attempt count.
// No-op otherwise.
func (m *Machine) OnHealthOk() {
	if m.state.Kind == Verifying {
		m.back.Reset()
		m.transition(Connected, "health_ok")
	}
}

// OnFailure: Connected|Verifying -> Reconnecting{delay} or Disconnected
// (NeverRestart). No-op otherwise.
func (m *Machine) OnFailure() {
	switch m.state.Kind {
	case Connected, Verifying:
		m.onFailure("failure")
	}
}

// OnRetryElapsed: Reconnecting -> Probing. No-op from any other state.
func (m *Machine) OnRetryElapsed() {
	if m.state.Kind == Reconnecting {
		m.transition(Probing, "retry_elapsed")
	}
}

// OnDisconnect: any -> Disconnected, resetting back-off + attempt count.
// Any pending retry timer the caller may be holding is implicitly
// invalidated — per spec.md §5, the caller must poll State before acting on
// an old timer firing.
func (m *Machine) OnDisconnect() {
	m.back.Reset()
	m.transition(Disconnected, "disconnect")
}
