package mcpruntime

import "sync/atomic"

// telemetry is a set of plain event counters, grounded on
// original_source/supervisor/src/control/runtime/telemetry.rs's
// RuntimeTelemetry (one atomic counter per outcome kind, no histogram —
// the original keeps this deliberately cheap since it's incremented on
// every dispatch).
type telemetry struct {
	started    int64
	completed  int64
	failed     int64
	timedOut   int64
	cancelled  int64
	overloaded int64
	hardStop   int64
}

func (t *telemetry) onStarted()    { atomic.AddInt64(&t.started, 1) }
func (t *telemetry) onCompleted()  { atomic.AddInt64(&t.completed, 1) }
func (t *telemetry) onFailed()     { atomic.AddInt64(&t.failed, 1) }
func (t *telemetry) onTimedOut()   { atomic.AddInt64(&t.timedOut, 1) }
func (t *telemetry) onCancelled()  { atomic.AddInt64(&t.cancelled, 1) }
func (t *telemetry) onOverloaded() { atomic.AddInt64(&t.overloaded, 1) }
func (t *telemetry) onHardStop()   { atomic.AddInt64(&t.hardStop, 1) }

// Snapshot returns a point-in-time read of every counter.
func (t *telemetry) Snapshot() map[string]int64 {
	return map[string]int64{
		"started":    atomic.LoadInt64(&t.started),
		"completed":  atomic.LoadInt64(&t.completed),
		"failed":     atomic.LoadInt64(&t.failed),
		"timed_out":  atomic.LoadInt64(&t.timedOut),
		"cancelled":  atomic.LoadInt64(&t.cancelled),
		"overloaded": atomic.LoadInt64(&t.overloaded),
		"hard_stop":  atomic.LoadInt64(&t.hardStop),
	}
}
