package mcpruntime

import (
	"sync"
	"time"
)

// backpressureGate bounds concurrent runtime-execute subprocesses, the
// total wait-queue, and per-session inflight count, grounded on
// original_source/supervisor/src/control/runtime/backpressure.rs's
// BackpressureGate (max_concurrency / queue_limit /
// per_session_inflight_limit, each rejecting with its own reason string).
type backpressureGate struct {
	sem chan struct{}

	mu              sync.Mutex
	queued          int
	queueLimit      int
	perSessionLimit int
	inflight        map[string]int
}

func newBackpressureGate(maxConcurrency, queueLimit, perSessionLimit int) *backpressureGate {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &backpressureGate{
		sem:             make(chan struct{}, maxConcurrency),
		queueLimit:      queueLimit,
		perSessionLimit: perSessionLimit,
		inflight:        make(map[string]int),
	}
}

// release is returned by acquire; it must be called exactly once to free
// the held slot.
type release func()

// acquire blocks up to waitTimeout for a concurrency slot, after checking
// the queue and per-session limits up front. Matches dispatcher.rs's
// three overload reasons: "queue_full", "session_limit_exceeded",
// "concurrency_exhausted".
func (g *backpressureGate) acquire(sessionID string, waitTimeout time.Duration) (release, *Error) {
	g.mu.Lock()
	if g.queueLimit > 0 && g.queued >= g.queueLimit {
		g.mu.Unlock()
		return nil, &Error{Class: "overloaded", Reason: "queue_full", RetryAfterMs: waitTimeout.Milliseconds(), QueueDepth: g.queued}
	}
	if g.perSessionLimit > 0 && g.inflight[sessionID] >= g.perSessionLimit {
		g.mu.Unlock()
		return nil, &Error{Class: "overloaded", Reason: "session_limit_exceeded", RetryAfterMs: waitTimeout.Milliseconds(), QueueDepth: g.queued}
	}
	g.queued++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.queued--
		g.mu.Unlock()
	}()

	select {
	case g.sem <- struct{}{}:
		g.mu.Lock()
		g.inflight[sessionID]++
		g.mu.Unlock()
		return func() {
			g.mu.Lock()
			g.inflight[sessionID]--
			if g.inflight[sessionID] <= 0 {
				delete(g.inflight, sessionID)
			}
			g.mu.Unlock()
			<-g.sem
		}, nil
	case <-time.After(waitTimeout):
		g.mu.Lock()
		depth := g.queued
		g.mu.Unlock()
		return nil, &Error{Class: "overloaded", Reason: "concurrency_exhausted", RetryAfterMs: waitTimeout.Milliseconds(), QueueDepth: depth}
	}
}

func (g *backpressureGate) queueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queued
}
