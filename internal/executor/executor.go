package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/bridge"
	"github.com/ds-codi/pm-supervisor/internal/outputstore"
	"github.com/ds-codi/pm-supervisor/internal/runner"
)

// queueCapacity bounds each per-session command channel, matching
// spec.md §5's "capacity on the order of 32–64" backpressure guidance.
const queueCapacity = 64

// OnLine is called for each streamed output line as a command runs, in
// addition to it being appended to the persisted transcript. May be nil.
type OnLine func(OutputLine)

// Config wires an Executor to its collaborators.
type Config struct {
	Store  *outputstore.Store
	Bridge bridge.Bridge
	Logger *zap.Logger
}

// trackedCommand is the tracker's live view of one in-flight or completed
// command, queried by read_output_request (spec.md §4.J) independently of
// the persisted transcript.
type trackedCommand struct {
	sessionID string
	command   string
	running   bool
	exitCode  *int
	stdout    strings.Builder
	stderr    strings.Builder
}

// Executor runs CommandRequests: one goroutine per session drains that
// session's channel in order (so commands within a session execute
// strictly in sequence, per spec.md §5), while different sessions run
// concurrently. Non-allowlisted requests wait in a per-session pending
// queue until Approve or Decline is called (spec.md §4.I).
type Executor struct {
	cfg      Config
	logger   *zap.Logger
	sessions *SessionStore

	mu           sync.Mutex
	workers      map[string]chan job
	kill         map[string]chan struct{}
	tracked      map[string]*trackedCommand
	pending      map[string]*pendingJob
	pendingOrder map[string][]string // session_id -> ordered pending command ids
}

type job struct {
	req    CommandRequest
	onLine OnLine
	done   chan CommandResponse
}

// pendingJob is a non-allowlisted request parked awaiting Approve/Decline.
type pendingJob struct {
	req        CommandRequest
	onLine     OnLine
	done       chan CommandResponse
	queuedAtMs int64
}

// New builds an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:          cfg,
		logger:       logger.Named("executor"),
		sessions:     NewSessionStore(),
		workers:      make(map[string]chan job),
		kill:         make(map[string]chan struct{}),
		tracked:      make(map[string]*trackedCommand),
		pending:      make(map[string]*pendingJob),
		pendingOrder: make(map[string][]string),
	}
}

// Submit hydrates req from its session context and, per spec.md §4.I,
// either enqueues it directly (allowlisted: pre-approved, no UI prompt) or
// parks it on its session's pending queue until Approve or Decline is
// called. It blocks until the command completes, is declined, or ctx is
// cancelled.
func (e *Executor) Submit(ctx context.Context, req CommandRequest, onLine OnLine) (CommandResponse, error) {
	req = e.sessions.Hydrate(req.SessionID, req)
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	if req.Allowlisted {
		return e.runApproved(ctx, req, onLine)
	}
	return e.submitPending(ctx, req, onLine)
}

// runApproved pushes req directly onto its session's single-consumer
// worker, bypassing the approval gate.
func (e *Executor) runApproved(ctx context.Context, req CommandRequest, onLine OnLine) (CommandResponse, error) {
	ch := e.workerFor(req.SessionID)
	j := job{req: req, onLine: onLine, done: make(chan CommandResponse, 1)}

	select {
	case ch <- j:
	case <-ctx.Done():
		return CommandResponse{}, ctx.Err()
	}

	select {
	case resp := <-j.done:
		return resp, nil
	case <-ctx.Done():
		return CommandResponse{}, ctx.Err()
	}
}

// submitPending parks req on its session's pending queue, surfaces it to
// the UI bridge, and blocks until Approve or Decline resolves it.
func (e *Executor) submitPending(ctx context.Context, req CommandRequest, onLine OnLine) (CommandResponse, error) {
	pj := &pendingJob{req: req, onLine: onLine, done: make(chan CommandResponse, 1), queuedAtMs: time.Now().UnixMilli()}

	e.mu.Lock()
	e.pending[req.ID] = pj
	e.pendingOrder[req.SessionID] = append(e.pendingOrder[req.SessionID], req.ID)
	e.mu.Unlock()

	e.publishPending(req.SessionID)
	if e.cfg.Bridge != nil {
		e.cfg.Bridge.NotifyCommandReceived(req.SessionID, req.ID)
	}

	select {
	case resp := <-pj.done:
		return resp, nil
	case <-ctx.Done():
		e.takePending(req.ID)
		return CommandResponse{}, ctx.Err()
	}
}

// Approve moves a pending command off its session's queue and into the
// executor's run channel. Returns false if id has no pending command
// (already approved, declined, or unknown).
func (e *Executor) Approve(id string) bool {
	pj, ok := e.takePending(id)
	if !ok {
		return false
	}

	ch := e.workerFor(pj.req.SessionID)
	j := job{req: pj.req, onLine: pj.onLine, done: make(chan CommandResponse, 1)}
	go func() {
		ch <- j
		pj.done <- <-j.done
	}()
	return true
}

// Decline resolves a pending command with a declined response and no
// execution (spec.md §4.I). Returns false if id has no pending command.
func (e *Executor) Decline(id, reason string) bool {
	pj, ok := e.takePending(id)
	if !ok {
		return false
	}
	pj.done <- CommandResponse{ID: id, Status: StatusDeclined, Reason: reason}
	return true
}

// ListPending returns the pending-approval queue for sessionID, oldest
// first.
func (e *Executor) ListPending(sessionID string) []PendingCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingViewsLocked(sessionID)
}

func (e *Executor) pendingViewsLocked(sessionID string) []PendingCommand {
	ids := e.pendingOrder[sessionID]
	views := make([]PendingCommand, 0, len(ids))
	for _, id := range ids {
		if pj, ok := e.pending[id]; ok {
			views = append(views, PendingCommand{
				ID:         pj.req.ID,
				Command:    pj.req.Command,
				SessionID:  pj.req.SessionID,
				QueuedAtMs: pj.queuedAtMs,
			})
		}
	}
	return views
}

// takePending removes id from the pending queue (if present) and
// republishes the queue to the bridge.
func (e *Executor) takePending(id string) (*pendingJob, bool) {
	e.mu.Lock()
	pj, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
		ids := e.pendingOrder[pj.req.SessionID]
		for i, v := range ids {
			if v == id {
				e.pendingOrder[pj.req.SessionID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
	if ok {
		e.publishPending(pj.req.SessionID)
	}
	return pj, ok
}

func (e *Executor) publishPending(sessionID string) {
	if e.cfg.Bridge == nil {
		return
	}
	e.mu.Lock()
	views := e.pendingViewsLocked(sessionID)
	e.mu.Unlock()

	data, err := json.Marshal(views)
	if err != nil {
		e.logger.Warn("failed to marshal pending commands", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	e.cfg.Bridge.SetPendingCommandsJSON(sessionID, string(data))
}

// Kill signals the in-flight command identified by id to stop. Returns
// false if no such command is running.
func (e *Executor) Kill(id string) bool {
	e.mu.Lock()
	ch, ok := e.kill[id]
	if ok {
		delete(e.kill, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	close(ch)
	return true
}

// ReadOutput returns the tracker's current view of id: whether it's still
// running, its exit code if finished, and its accumulated stdout/stderr.
// found is false if id is unknown to the tracker.
func (e *Executor) ReadOutput(id string) (running bool, exitCode *int, stdout, stderr string, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.tracked[id]
	if !ok {
		return false, nil, "", "", false
	}
	return tc.running, tc.exitCode, tc.stdout.String(), tc.stderr.String(), true
}

func (e *Executor) workerFor(sessionID string) chan job {
	if sessionID == "" {
		sessionID = "default"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.workers[sessionID]
	if ok {
		return ch
	}
	ch = make(chan job, queueCapacity)
	e.workers[sessionID] = ch
	go e.drain(sessionID, ch)
	return ch
}

func (e *Executor) drain(sessionID string, ch chan job) {
	for j := range ch {
		j.done <- e.runOne(j.req, j.onLine)
	}
}

// runOne implements the five-step execution protocol of spec.md §4.I.
func (e *Executor) runOne(req CommandRequest, onLine OnLine) CommandResponse {
	workDir := resolveWorkingDir(req.WorkingDirectory, req.WorkspacePath)

	fullCommand := req.Command
	if len(req.Args) > 0 {
		fullCommand = strings.Join(append([]string{req.Command}, req.Args...), " ")
	}
	name, args := buildShellArgv(req.TerminalProfile, fullCommand)

	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	if req.ActivateVenv {
		env = applyVenv(env, venvBinDir(req.VenvPath, req.WorkspacePath))
	}
	cmd.Env = env
	configureChild(cmd)

	stdoutPipe, errOut := cmd.StdoutPipe()
	stderrPipe, errErr := cmd.StderrPipe()
	if errOut != nil || errErr != nil {
		exitCode := -1
		reason := fmt.Sprintf("failed to create output pipes: %v / %v", errOut, errErr)
		return CommandResponse{ID: req.ID, Status: StatusApproved, ExitCode: &exitCode, Reason: reason}
	}

	tc := &trackedCommand{sessionID: req.SessionID, command: req.Command, running: true}
	killCh := make(chan struct{})
	e.mu.Lock()
	e.tracked[req.ID] = tc
	e.kill[req.ID] = killCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.kill, req.ID)
		e.mu.Unlock()
	}()

	startedAtMs := time.Now().UnixMilli()

	if err := cmd.Start(); err != nil {
		exitCode := -1
		reason := fmt.Sprintf("failed to start command: %v", err)
		e.finishTracked(tc, &exitCode)
		return CommandResponse{ID: req.ID, Status: StatusApproved, ExitCode: &exitCode, Reason: reason}
	}

	var linesMu sync.Mutex
	var lines []outputstore.Line
	var combined strings.Builder

	appendLine := func(stream outputstore.Stream, text string) {
		linesMu.Lock()
		lines = append(lines, outputstore.Line{TimestampMs: time.Now().UnixMilli(), Stream: stream, Text: text})
		if stream == outputstore.Stderr {
			combined.WriteString("[stderr] ")
			tc.stderr.WriteString(text)
			tc.stderr.WriteByte('\n')
		} else {
			tc.stdout.WriteString(text)
			tc.stdout.WriteByte('\n')
		}
		combined.WriteString(text)
		combined.WriteByte('\n')
		linesMu.Unlock()
		if onLine != nil {
			onLine(OutputLine{CommandID: req.ID, Stream: string(stream), Text: text})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(stdoutPipe, outputstore.Stdout, appendLine, &wg)
	go readLines(stderrPipe, outputstore.Stderr, appendLine, &wg)

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	status := StatusApproved
	exitCode := 0
	reason := ""

	select {
	case err := <-waitDone:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
				reason = err.Error()
			}
		}
	case <-time.After(timeout):
		status = StatusTimeout
		_ = runner.KillProcessGroup(cmd)
		reason = fmt.Sprintf("Command timed out after %d seconds", req.TimeoutSeconds)
		appendLine(outputstore.Stderr, reason)
		exitCode = -1
		<-waitDone
	case <-killCh:
		_ = runner.KillProcessGroup(cmd)
		reason = "Process killed by user request"
		appendLine(outputstore.Stderr, reason)
		exitCode = -1
		<-waitDone
	}

	completedAtMs := time.Now().UnixMilli()
	e.finishTracked(tc, &exitCode)

	rec := outputstore.Record{
		ID:               req.ID,
		Command:          req.Command,
		WorkingDirectory: workDir,
		SessionID:        req.SessionID,
		Status:           string(status),
		StartedAtMs:      startedAtMs,
		CompletedAtMs:    completedAtMs,
		ExitCode:         exitCode,
		Lines:            lines,
	}
	outputPath := ""
	if e.cfg.Store != nil {
		outputPath = e.cfg.Store.Path(req.ID)
		if err := e.cfg.Store.Save(rec); err != nil {
			e.logger.Warn("failed to persist command output", zap.String("id", req.ID), zap.Error(err))
		}
	}

	e.cfg.bridgeNotifyCompleted(req.SessionID, req.ID, exitCode, exitCode == 0)

	return CommandResponse{
		ID:             req.ID,
		Status:         status,
		Output:         combined.String(),
		ExitCode:       &exitCode,
		Reason:         reason,
		OutputFilePath: outputPath,
	}
}

func (e *Executor) finishTracked(tc *trackedCommand, exitCode *int) {
	e.mu.Lock()
	tc.running = false
	tc.exitCode = exitCode
	e.mu.Unlock()
}

func (c Config) bridgeNotifyCompleted(sessionID, commandID string, exitCode int, ok bool) {
	if c.Bridge != nil {
		c.Bridge.NotifyCommandCompleted(sessionID, commandID, exitCode, ok)
	}
}

// readLines scans r line by line, calling appendLine for each, until EOF
// or a read error — the per-stream half of step 3's concurrent readers.
// Closing each pipe's read side (via the process exiting) is what
// unblocks Scan; wg.Wait() in the caller ensures both streams drain
// before cmd.Wait() is called, satisfying the "drain the other stream"
// requirement without extra bookkeeping.
func readLines(r io.Reader, stream outputstore.Stream, appendLine func(outputstore.Stream, string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		appendLine(stream, scanner.Text())
	}
}
