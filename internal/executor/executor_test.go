package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ds-codi/pm-supervisor/internal/outputstore"
)

// fakeBridge records every call so approval-gate tests can assert on the
// real data handed to it, rather than trusting the executor did the right
// thing.
type fakeBridge struct {
	mu              sync.Mutex
	pendingJSON     []string
	received        []string // "sessionID/commandID"
	completed       []string // "sessionID/commandID"
	completedExit   []int
	completedOK     []bool
}

func (b *fakeBridge) SetStatusText(service, text string) {}

func (b *fakeBridge) SetPendingCommandsJSON(sessionID string, commandsJSON string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingJSON = append(b.pendingJSON, commandsJSON)
}

func (b *fakeBridge) NotifyCommandReceived(sessionID, commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, sessionID+"/"+commandID)
}

func (b *fakeBridge) NotifyCommandCompleted(sessionID, commandID string, exitCode int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, sessionID+"/"+commandID)
	b.completedExit = append(b.completedExit, exitCode)
	b.completedOK = append(b.completedOK, ok)
}

func (b *fakeBridge) snapshot() (received, completed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...), append([]string(nil), b.completed...)
}

func TestResolveWorkingDirPrefersRequested(t *testing.T) {
	dir := t.TempDir()
	if got := resolveWorkingDir(dir, ""); got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}

func TestResolveWorkingDirFallsBackToWorkspace(t *testing.T) {
	dir := t.TempDir()
	if got := resolveWorkingDir("/does/not/exist", dir); got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}

func TestResolveWorkingDirFallsBackToCwd(t *testing.T) {
	cwd, _ := os.Getwd()
	if got := resolveWorkingDir("/nope", "/also/nope"); got != cwd {
		t.Fatalf("expected cwd %s, got %s", cwd, got)
	}
}

func TestBuildShellArgvKnownProfiles(t *testing.T) {
	name, args := buildShellArgv("bash", "echo hi")
	if name != "bash" || len(args) != 2 || args[1] != "echo hi" {
		t.Fatalf("unexpected bash argv: %s %v", name, args)
	}

	name, _ = buildShellArgv("unknown-profile", "echo hi")
	wantWindows := runtime.GOOS == "windows"
	if wantWindows && name != "cmd" {
		t.Fatalf("expected cmd fallback on windows, got %s", name)
	}
	if !wantWindows && name != "sh" {
		t.Fatalf("expected sh fallback, got %s", name)
	}
}

func TestSupportsReentryOnlyPowershell(t *testing.T) {
	if !supportsReentry("powershell") {
		t.Fatalf("expected powershell to support reentry")
	}
	if supportsReentry("bash") {
		t.Fatalf("expected bash not to support reentry")
	}
}

func TestSessionHydrationFillsMissingAndUpdatesContext(t *testing.T) {
	store := NewSessionStore()

	first := store.Hydrate("s1", CommandRequest{WorkspacePath: "/ws", TerminalProfile: "bash"})
	if first.WorkspacePath != "/ws" || first.TerminalProfile != "bash" {
		t.Fatalf("unexpected hydrated request: %+v", first)
	}

	second := store.Hydrate("s1", CommandRequest{})
	if second.WorkspacePath != "/ws" || second.TerminalProfile != "bash" {
		t.Fatalf("expected context to fill missing fields, got %+v", second)
	}

	third := store.Hydrate("s1", CommandRequest{WorkspacePath: "/other"})
	if third.WorkspacePath != "/other" {
		t.Fatalf("expected request field to take precedence, got %+v", third)
	}
	if got := store.Get("s1").WorkspacePath; got != "/other" {
		t.Fatalf("expected context updated to /other, got %s", got)
	}
}

func TestVenvBinDirDetectsDotVenv(t *testing.T) {
	ws := t.TempDir()
	venv := filepath.Join(ws, ".venv")
	bin := filepath.Join(venv, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := venvBinDir("", ws)
	if got != bin {
		t.Fatalf("expected %s, got %s", bin, got)
	}
}

func TestVenvBinDirNoneFound(t *testing.T) {
	ws := t.TempDir()
	if got := venvBinDir("", ws); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestApplyVenvPrependsPath(t *testing.T) {
	env := []string{"PATH=/usr/bin", "OTHER=1"}
	out := applyVenv(env, "/ws/.venv/bin")
	foundPath, foundVenv := false, false
	for _, kv := range out {
		if strings.HasPrefix(kv, "PATH=") && strings.Contains(kv, "/ws/.venv/bin") {
			foundPath = true
		}
		if kv == "VIRTUAL_ENV=/ws/.venv" {
			foundVenv = true
		}
	}
	if !foundPath || !foundVenv {
		t.Fatalf("expected PATH and VIRTUAL_ENV set, got %v", out)
	}
}

func TestSubmitRunsCommandAndStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ex := New(Config{Store: store})

	var lines []OutputLine
	resp, err := ex.Submit(context.Background(), CommandRequest{
		ID:              "cmd-1",
		Command:         "echo hello; echo world 1>&2",
		SessionID:       "s1",
		TerminalProfile: "sh",
		TimeoutSeconds:  5,
		Allowlisted:     true,
	}, func(l OutputLine) { lines = append(lines, l) })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != StatusApproved {
		t.Fatalf("expected approved status, got %s", resp.Status)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", resp.ExitCode)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 streamed lines, got %d: %+v", len(lines), lines)
	}
	if !strings.Contains(resp.Output, "hello") || !strings.Contains(resp.Output, "[stderr] world") {
		t.Fatalf("unexpected combined output: %q", resp.Output)
	}

	running, exitCode, stdout, stderr, found := ex.ReadOutput("cmd-1")
	if !found || running {
		t.Fatalf("expected tracked, completed entry, got running=%v found=%v", running, found)
	}
	if exitCode == nil || *exitCode != 0 {
		t.Fatalf("unexpected exit code %+v", exitCode)
	}
	if !strings.Contains(stdout, "hello") || !strings.Contains(stderr, "world") {
		t.Fatalf("unexpected tracked output stdout=%q stderr=%q", stdout, stderr)
	}
}

func TestSubmitTimeoutKillsAndReportsExitCodeMinusOne(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ex := New(Config{Store: store})

	resp, err := ex.Submit(context.Background(), CommandRequest{
		ID:              "cmd-2",
		Command:         "sleep 5",
		SessionID:       "s1",
		TerminalProfile: "sh",
		TimeoutSeconds:  1,
		Allowlisted:     true,
	}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != StatusTimeout {
		t.Fatalf("expected timeout status, got %s", resp.Status)
	}
	if resp.ExitCode == nil || *resp.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %+v", resp.ExitCode)
	}
	if !strings.Contains(resp.Output, "timed out") {
		t.Fatalf("expected timeout message in output, got %q", resp.Output)
	}
}

func TestKillTerminatesRunningCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ex := New(Config{Store: store})

	done := make(chan CommandResponse, 1)
	go func() {
		resp, _ := ex.Submit(context.Background(), CommandRequest{
			ID:              "cmd-3",
			Command:         "sleep 10",
			SessionID:       "s2",
			TerminalProfile: "sh",
			TimeoutSeconds:  30,
			Allowlisted:     true,
		}, nil)
		done <- resp
	}()

	// Give the command a moment to register its kill channel.
	time.Sleep(200 * time.Millisecond)
	if !ex.Kill("cmd-3") {
		t.Fatalf("expected Kill to find the running command")
	}

	select {
	case resp := <-done:
		if resp.ExitCode == nil || *resp.ExitCode != -1 {
			t.Fatalf("expected exit code -1 after kill, got %+v", resp.ExitCode)
		}
		if !strings.Contains(resp.Reason, "killed by user request") {
			t.Fatalf("expected kill reason, got %q", resp.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed command to complete")
	}
}

func TestKillUnknownIDReturnsFalse(t *testing.T) {
	ex := New(Config{})
	if ex.Kill("nonexistent") {
		t.Fatalf("expected false for unknown id")
	}
}

func TestReadOutputUnknownIDReturnsNotFound(t *testing.T) {
	ex := New(Config{})
	_, _, _, _, found := ex.ReadOutput("nonexistent")
	if found {
		t.Fatalf("expected not found")
	}
}

func TestSubmitNonAllowlistedParksOnPendingQueue(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBridge{}
	ex := New(Config{Store: store, Bridge: fb})

	done := make(chan CommandResponse, 1)
	go func() {
		resp, _ := ex.Submit(context.Background(), CommandRequest{
			ID:              "cmd-4",
			Command:         "echo should-not-run-yet",
			SessionID:       "s1",
			TerminalProfile: "sh",
			TimeoutSeconds:  5,
		}, nil)
		done <- resp
	}()

	deadline := time.Now().Add(2 * time.Second)
	var pending []PendingCommand
	for time.Now().Before(deadline) {
		pending = ex.ListPending("s1")
		if len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].ID != "cmd-4" {
		t.Fatalf("expected cmd-4 parked on the pending queue, got %+v", pending)
	}

	select {
	case <-done:
		t.Fatalf("expected Submit to block until Approve/Decline, but it returned")
	case <-time.After(100 * time.Millisecond):
	}

	received, _ := fb.snapshot()
	found := false
	for _, r := range received {
		if r == "s1/cmd-4" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected NotifyCommandReceived(s1, cmd-4), got %v", received)
	}
	fb.mu.Lock()
	gotJSON := len(fb.pendingJSON) > 0
	fb.mu.Unlock()
	if !gotJSON {
		t.Fatalf("expected SetPendingCommandsJSON to have been called with real pending data")
	}

	if !ex.Approve("cmd-4") {
		t.Fatalf("expected Approve to find the pending command")
	}

	select {
	case resp := <-done:
		if resp.Status != StatusApproved {
			t.Fatalf("expected approved status after Approve, got %s", resp.Status)
		}
		if resp.ExitCode == nil || *resp.ExitCode != 0 {
			t.Fatalf("expected exit code 0, got %+v", resp.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for approved command to complete")
	}

	if got := ex.ListPending("s1"); len(got) != 0 {
		t.Fatalf("expected pending queue empty after approval, got %+v", got)
	}
}

func TestDeclinePendingCommandShortCircuitsWithNoExecution(t *testing.T) {
	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(t.TempDir(), "ran")
	fb := &fakeBridge{}
	ex := New(Config{Store: store, Bridge: fb})

	done := make(chan CommandResponse, 1)
	go func() {
		resp, _ := ex.Submit(context.Background(), CommandRequest{
			ID:              "cmd-5",
			Command:         "touch " + marker,
			SessionID:       "s1",
			TerminalProfile: "sh",
			TimeoutSeconds:  5,
		}, nil)
		done <- resp
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ex.ListPending("s1")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !ex.Decline("cmd-5", "not trusted") {
		t.Fatalf("expected Decline to find the pending command")
	}

	select {
	case resp := <-done:
		if resp.Status != StatusDeclined {
			t.Fatalf("expected declined status, got %s", resp.Status)
		}
		if resp.Reason != "not trusted" {
			t.Fatalf("expected decline reason echoed back, got %q", resp.Reason)
		}
		if resp.ExitCode != nil {
			t.Fatalf("expected no exit code for a declined command, got %+v", resp.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decline response")
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("expected declined command to never execute, but marker file was created")
	}

	if got := ex.ListPending("s1"); len(got) != 0 {
		t.Fatalf("expected pending queue empty after decline, got %+v", got)
	}
}

func TestApproveAndDeclineUnknownIDReturnFalse(t *testing.T) {
	ex := New(Config{})
	if ex.Approve("nonexistent") {
		t.Fatalf("expected Approve to return false for unknown id")
	}
	if ex.Decline("nonexistent", "because") {
		t.Fatalf("expected Decline to return false for unknown id")
	}
}
