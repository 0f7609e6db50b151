package mcpruntime

import "fmt"

// Error is the typed failure a Dispatch call can return, grounded on
// original_source/supervisor/src/control/runtime/errors.rs's RuntimeError
// enum. Class identifies the variant so callers (control.runtimeExec) can
// build a stable wire envelope without string-matching Error().
type Error struct {
	Class string

	// Overloaded
	Reason        string
	RetryAfterMs  int64
	QueueDepth    int

	// HardStop
	RequestedCohort string
	AllowedCohorts  []string

	// TimedOut / Cancelled / InvalidRequest / SubprocessFailure / Internal /
	// RuntimeDisabled
	SessionID string
	TimeoutMs int64
	Message   string
}

func (e *Error) Error() string {
	switch e.Class {
	case "overloaded":
		return fmt.Sprintf("mcpruntime: overloaded (%s), queue depth %d", e.Reason, e.QueueDepth)
	case "hard_stop":
		return fmt.Sprintf("mcpruntime: hard stop gate rejected cohort %q (allowed: %v)", e.RequestedCohort, e.AllowedCohorts)
	case "timed_out":
		return fmt.Sprintf("mcpruntime: session %s timed out after %dms", e.SessionID, e.TimeoutMs)
	case "cancelled":
		return fmt.Sprintf("mcpruntime: session %s was cancelled", e.SessionID)
	case "runtime_disabled":
		return "mcpruntime: runtime execution is disabled"
	case "invalid_request":
		return fmt.Sprintf("mcpruntime: invalid request: %s", e.Message)
	case "subprocess_failure":
		return fmt.Sprintf("mcpruntime: subprocess failure: %s", e.Message)
	default:
		return fmt.Sprintf("mcpruntime: internal error: %s", e.Message)
	}
}

// Envelope renders e as the JSON shape the wire protocol carries back to a
// control-plane caller (dispatcher.rs's `err.envelope()`).
func (e *Error) Envelope() map[string]any {
	out := map[string]any{"error_class": e.Class}
	switch e.Class {
	case "overloaded":
		out["reason"] = e.Reason
		out["retry_after_ms"] = e.RetryAfterMs
		out["queue_depth"] = e.QueueDepth
	case "hard_stop":
		out["requested_cohort"] = e.RequestedCohort
		out["allowed_cohorts"] = e.AllowedCohorts
	case "timed_out":
		out["session_id"] = e.SessionID
		out["timeout_ms"] = e.TimeoutMs
	case "cancelled":
		out["session_id"] = e.SessionID
	default:
		out["message"] = e.Message
	}
	return out
}
