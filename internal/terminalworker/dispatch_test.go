package terminalworker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/executor"
	"github.com/ds-codi/pm-supervisor/internal/outputstore"
	"github.com/ds-codi/pm-supervisor/internal/savedcommands"
	"github.com/ds-codi/pm-supervisor/internal/termproto"
)

// testRig wires a dispatcher to one end of an in-memory pipe and hands
// the test a reader for the other end, so assertions can decode whatever
// the dispatcher sends back without a real TCP listener.
type testRig struct {
	d      *dispatcher
	client *bufio.Reader
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	store, err := outputstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	saved, err := savedcommands.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ex := executor.New(executor.Config{Store: store, Logger: zap.NewNop()})

	sess := termproto.NewSession(termproto.NewConn(serverConn), termproto.Config{
		Interval: time.Hour, // long enough that no heartbeat fires during the test
		Logger:   zap.NewNop(),
	})

	d := &dispatcher{
		cfg: Config{
			Executor:      ex,
			SavedCommands: saved,
		},
		session: sess,
		logger:  zap.NewNop(),
	}

	return &testRig{d: d, client: bufio.NewReader(clientConn)}
}

// net.Pipe is unbuffered: a Write blocks until the other end Reads. Every
// dispatcher call that sends a response must therefore run on its own
// goroutine so the test's main goroutine is free to read concurrently.
func (r *testRig) dispatch(fn func()) {
	go fn()
}

func (r *testRig) readMessage(t *testing.T) map[string]any {
	t.Helper()
	line, err := r.client.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", line, err)
	}
	return out
}

func TestHandleSavedCommandsSaveListDelete(t *testing.T) {
	r := newTestRig(t)

	saveReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "1", Action: termproto.ActionSave,
		WorkspaceID: "ws-1", Name: "build", Command: "make build",
	})
	r.dispatch(func() { r.d.handleSavedCommands(saveReq) })
	saveResp := r.readMessage(t)
	if saveResp["success"] != true {
		t.Fatalf("expected save success, got %+v", saveResp)
	}
	entry, ok := saveResp["command_entry"].(map[string]any)
	if !ok {
		t.Fatalf("expected command_entry in response: %+v", saveResp)
	}
	commandID, _ := entry["id"].(string)
	if commandID == "" {
		t.Fatalf("expected generated command id, got %+v", entry)
	}

	listReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "2", Action: termproto.ActionList, WorkspaceID: "ws-1",
	})
	r.dispatch(func() { r.d.handleSavedCommands(listReq) })
	listResp := r.readMessage(t)
	cmds, _ := listResp["commands"].([]any)
	if len(cmds) != 1 {
		t.Fatalf("expected 1 saved command, got %+v", listResp)
	}

	delReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "3", Action: termproto.ActionDelete,
		WorkspaceID: "ws-1", CommandID: commandID,
	})
	r.dispatch(func() { r.d.handleSavedCommands(delReq) })
	delResp := r.readMessage(t)
	if delResp["success"] != true {
		t.Fatalf("expected delete success, got %+v", delResp)
	}
}

func TestHandleSavedCommandsDeleteUnknownIDErrors(t *testing.T) {
	r := newTestRig(t)

	req, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "1", Action: termproto.ActionDelete,
		WorkspaceID: "ws-1", CommandID: "does-not-exist",
	})
	r.dispatch(func() { r.d.handleSavedCommands(req) })
	resp := r.readMessage(t)
	if resp["success"] == true {
		t.Fatalf("expected failure deleting unknown id, got %+v", resp)
	}
	if resp["error"] == "" || resp["error"] == nil {
		t.Fatalf("expected an error message, got %+v", resp)
	}
}

func TestHandleSavedCommandsUseRejectsMismatchedSession(t *testing.T) {
	r := newTestRig(t)
	r.d.lastSID = "session-a"

	saveReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "1", Action: termproto.ActionSave,
		WorkspaceID: "ws-1", Name: "build", Command: "make build",
	})
	r.dispatch(func() { r.d.handleSavedCommands(saveReq) })
	saveResp := r.readMessage(t)
	entry := saveResp["command_entry"].(map[string]any)
	commandID := entry["id"].(string)

	useReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "2", Action: termproto.ActionUse,
		WorkspaceID: "ws-1", CommandID: commandID, SessionID: "session-b",
	})
	r.dispatch(func() { r.d.handleSavedCommands(useReq) })
	useResp := r.readMessage(t)
	if useResp["success"] == true {
		t.Fatalf("expected use to be rejected for mismatched session, got %+v", useResp)
	}
}

func TestHandleSavedCommandsUseAcceptsMatchingSession(t *testing.T) {
	r := newTestRig(t)
	r.d.lastSID = "session-a"

	saveReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "1", Action: termproto.ActionSave,
		WorkspaceID: "ws-1", Name: "build", Command: "make build",
	})
	r.dispatch(func() { r.d.handleSavedCommands(saveReq) })
	saveResp := r.readMessage(t)
	entry := saveResp["command_entry"].(map[string]any)
	commandID := entry["id"].(string)

	useReq, _ := json.Marshal(termproto.SavedCommandsRequest{
		Type: termproto.TypeSavedCommandsRequest, ID: "2", Action: termproto.ActionUse,
		WorkspaceID: "ws-1", CommandID: commandID, SessionID: "session-a",
	})
	r.dispatch(func() { r.d.handleSavedCommands(useReq) })
	useResp := r.readMessage(t)
	if useResp["success"] != true {
		t.Fatalf("expected use to succeed for matching session, got %+v", useResp)
	}
	if useResp["targeted_session_id"] != "session-a" {
		t.Fatalf("expected targeted_session_id echoed back, got %+v", useResp)
	}
}

func TestHandleKillSessionUnknownIDReturnsNotKilled(t *testing.T) {
	r := newTestRig(t)

	req, _ := json.Marshal(termproto.KillSessionRequest{
		Type: termproto.TypeKillSessionRequest, ID: "does-not-exist",
	})
	r.dispatch(func() { r.d.handleKillSession(req) })
	resp := r.readMessage(t)
	if resp["killed"] == true {
		t.Fatalf("expected killed=false for unknown id, got %+v", resp)
	}
}

func TestHandleReadOutputUnknownIDReturnsEmpty(t *testing.T) {
	r := newTestRig(t)

	req, _ := json.Marshal(termproto.ReadOutputRequest{
		Type: termproto.TypeReadOutputRequest, ID: "does-not-exist",
	})
	r.dispatch(func() { r.d.handleReadOutput(req) })
	resp := r.readMessage(t)
	if resp["running"] == true {
		t.Fatalf("expected running=false for unknown id, got %+v", resp)
	}
}

func TestHandleCommandRequestRunsAndStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	r := newTestRig(t)

	req, _ := json.Marshal(termproto.CommandRequestMsg{
		Type: termproto.TypeCommandRequest,
		CommandRequest: executor.CommandRequest{
			ID:              "cmd-1",
			Command:         "echo hi",
			SessionID:       "session-a",
			TerminalProfile: "sh",
			TimeoutSeconds:  5,
			Allowlisted:     true,
		},
	})
	r.dispatch(func() { r.d.handleCommandRequest(context.Background(), req) })

	resp := r.readMessage(t)
	for resp["type"] == string(termproto.TypeOutputChunk) {
		resp = r.readMessage(t)
	}
	if resp["type"] != string(termproto.TypeCommandResponse) {
		t.Fatalf("expected a command_response eventually, got %+v", resp)
	}
	if resp["status"] != string(executor.StatusApproved) {
		t.Fatalf("expected approved status, got %+v", resp)
	}

	r.d.mu.Lock()
	got := r.d.lastSID
	r.d.mu.Unlock()
	if got != "session-a" {
		t.Fatalf("expected lastSID to track the command's session, got %q", got)
	}
}
