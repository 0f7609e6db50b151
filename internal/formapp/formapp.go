// Package formapp implements the on-demand GUI helper launcher of
// spec.md §4.K: spawn a configured process, pipe one JSON request on
// stdin, read one JSON response on stdout, enforce a timeout with kill,
// and support a "refinement" continuation round-trip that keeps the
// child alive across two requests. The spawn/pipe/timeout shape follows
// arkeep/agent/internal/hooks/runner.go, generalized from a blocking
// combined-output Run() to a stdin-write/stdout-read request/response.
package formapp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a FormAppLifecycle's current phase (spec.md §3).
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Config describes how to launch one kind of form app (brainstorm_gui,
// approval_gui, ...).
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// Response is the decoded single line of JSON a form app writes to
// stdout.
type Response struct {
	Status             string          `json:"status"`
	Raw                json.RawMessage `json:"-"`
	PendingRefinement  bool            `json:"-"`
	TimedOut           bool            `json:"-"`
}

// statusProbe is decoded first to check for the refinement-continuation
// status before handing the raw payload back to the caller.
type statusProbe struct {
	Status string `json:"status"`
}

const refinementRequestedStatus = "refinement_requested"

// session is a form app kept alive across a refinement round-trip.
type session struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Reader
	mu     sync.Mutex
}

// Lifecycle is a form app's observable state (spec.md §3 FormAppLifecycle).
type Lifecycle struct {
	AppName       string `json:"app_name"`
	Pid           int    `json:"pid,omitempty"`
	State         State  `json:"state"`
	StartedAtMs   int64  `json:"started_at_ms"`
	TimeoutSecs   int    `json:"timeout_seconds"`
}

// Launcher spawns form-app processes and tracks refinement sessions by
// session id.
type Launcher struct {
	logger *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	lifecycles map[string]Lifecycle
}

// New builds a Launcher.
func New(logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		logger:     logger.Named("formapp"),
		sessions:   make(map[string]*session),
		lifecycles: make(map[string]Lifecycle),
	}
}

// Lifecycle returns the last known lifecycle recorded for appName, if any.
func (l *Launcher) Lifecycle(appName string) (Lifecycle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lc, ok := l.lifecycles[appName]
	return lc, ok
}

func (l *Launcher) setLifecycle(lc Lifecycle) {
	l.mu.Lock()
	l.lifecycles[lc.AppName] = lc
	l.mu.Unlock()
}

// Launch spawns cfg.Command, writes payload (marshaled to JSON, newline
// appended) to its stdin, and reads exactly one JSON line back from
// stdout within cfg.Timeout. If the response's status is
// "refinement_requested", the child is kept alive under sessionID so a
// later ContinueApp can resume the conversation; Response.PendingRefinement
// is set accordingly. Any other outcome closes the child immediately.
func (l *Launcher) Launch(ctx context.Context, appName, sessionID string, cfg Config, payload any) (Response, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Response{}, fmt.Errorf("formapp: failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, fmt.Errorf("formapp: failed to open stdout: %w", err)
	}

	startedAtMs := time.Now().UnixMilli()
	if err := cmd.Start(); err != nil {
		l.setLifecycle(Lifecycle{AppName: appName, State: StateFailed, StartedAtMs: startedAtMs, TimeoutSecs: int(cfg.Timeout.Seconds())})
		return Response{}, fmt.Errorf("formapp: failed to start %s: %w", cfg.Command, err)
	}
	l.setLifecycle(Lifecycle{AppName: appName, Pid: cmd.Process.Pid, State: StateRunning, StartedAtMs: startedAtMs, TimeoutSecs: int(cfg.Timeout.Seconds())})

	body, err := json.Marshal(payload)
	if err != nil {
		_ = cmd.Process.Kill()
		return Response{}, fmt.Errorf("formapp: failed to marshal request: %w", err)
	}
	if _, err := stdin.Write(append(body, '\n')); err != nil {
		_ = cmd.Process.Kill()
		return Response{}, fmt.Errorf("formapp: failed to write request: %w", err)
	}

	// stdin is deliberately left open here: a refinement_requested
	// response needs it for ContinueApp's follow-up write. Non-refinement
	// outcomes close it implicitly when cmd.Wait() reaps the child below.
	reader := bufio.NewReaderSize(stdout, 1024*1024)
	resp, err := l.readOneLine(ctx, cmd, reader, cfg.Timeout)
	if err != nil {
		l.setLifecycle(Lifecycle{AppName: appName, Pid: cmd.Process.Pid, State: StateFailed, StartedAtMs: startedAtMs})
		return Response{}, err
	}

	if resp.PendingRefinement {
		l.mu.Lock()
		l.sessions[sessionID] = &session{cmd: cmd, stdin: bufio.NewWriter(stdin), stdout: reader}
		l.mu.Unlock()
		l.setLifecycle(Lifecycle{AppName: appName, Pid: cmd.Process.Pid, State: StateRunning, StartedAtMs: startedAtMs})
	} else {
		_ = cmd.Wait()
		finalState := StateCompleted
		if resp.TimedOut {
			finalState = StateTimedOut
		}
		l.setLifecycle(Lifecycle{AppName: appName, Pid: cmd.Process.Pid, State: finalState, StartedAtMs: startedAtMs})
	}

	return resp, nil
}

// ContinueApp writes payload to the stdin of a form app previously kept
// alive by a refinement_requested Launch response, and reads its next
// line. Returns an error if sessionID has no pending refinement.
func (l *Launcher) ContinueApp(ctx context.Context, sessionID string, payload any, timeout time.Duration) (Response, error) {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("formapp: no pending refinement for session %q", sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		_ = sess.cmd.Process.Kill()
		return Response{}, fmt.Errorf("formapp: failed to marshal continuation: %w", err)
	}
	if _, err := sess.stdin.Write(append(body, '\n')); err != nil || sess.stdin.Flush() != nil {
		_ = sess.cmd.Process.Kill()
		return Response{}, fmt.Errorf("formapp: failed to write continuation: %w", err)
	}

	resp, err := l.readOneLine(ctx, sess.cmd, sess.stdout, timeout)
	if err != nil {
		return Response{}, err
	}

	if resp.PendingRefinement {
		l.mu.Lock()
		l.sessions[sessionID] = sess
		l.mu.Unlock()
	} else {
		_ = sess.cmd.Wait()
	}
	return resp, nil
}

// readOneLine reads a single JSON line from r, killing cmd and returning
// a timed_out response if nothing arrives within timeout.
func (l *Launcher) readOneLine(ctx context.Context, cmd *exec.Cmd, r *bufio.Reader, timeout time.Duration) (Response, error) {
	type result struct {
		line []byte
		err  error
	}
	lineCh := make(chan result, 1)
	go func() {
		line, err := r.ReadBytes('\n')
		lineCh <- result{line: bytes.TrimRight(line, "\n"), err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-lineCh:
		if res.err != nil && len(res.line) == 0 {
			return Response{}, fmt.Errorf("formapp: closed stdout without sending a response: %w", res.err)
		}
		var probe statusProbe
		if err := json.Unmarshal(res.line, &probe); err != nil {
			_ = cmd.Process.Kill()
			return Response{}, fmt.Errorf("formapp: invalid JSON response: %w", err)
		}
		return Response{
			Status:            probe.Status,
			Raw:               json.RawMessage(res.line),
			PendingRefinement: probe.Status == refinementRequestedStatus,
		}, nil

	case <-timer.C:
		_ = cmd.Process.Kill()
		return Response{Status: string(StateTimedOut), TimedOut: true}, nil

	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return Response{}, ctx.Err()
	}
}
