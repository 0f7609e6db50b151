package bridge

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

type recordingBridge struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingBridge) SetStatusText(service, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "status:"+service)
}
func (r *recordingBridge) SetPendingCommandsJSON(sessionID, commandsJSON string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "pending:"+sessionID)
}
func (r *recordingBridge) NotifyCommandReceived(sessionID, commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "received:"+commandID)
}
func (r *recordingBridge) NotifyCommandCompleted(sessionID, commandID string, exitCode int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "completed:"+commandID)
}

func TestLoggingBridgeDoesNotPanic(t *testing.T) {
	b := NewLoggingBridge(zap.NewNop())
	b.SetStatusText("mcp", "running")
	b.SetPendingCommandsJSON("sess-1", `[]`)
	b.NotifyCommandReceived("sess-1", "cmd-1")
	b.NotifyCommandCompleted("sess-1", "cmd-1", 0, true)
}

func TestMultiFansOutToAllBridgesInOrder(t *testing.T) {
	a := &recordingBridge{}
	c := &recordingBridge{}
	m := NewMulti(a, c)

	m.SetStatusText("mcp", "running")
	m.NotifyCommandReceived("sess-1", "cmd-1")
	m.NotifyCommandCompleted("sess-1", "cmd-1", 1, false)

	want := []string{"status:mcp", "received:cmd-1", "completed:cmd-1"}
	for _, b := range []*recordingBridge{a, c} {
		if len(b.calls) != len(want) {
			t.Fatalf("expected %v recorded, got %v", want, b.calls)
		}
		for i := range want {
			if b.calls[i] != want[i] {
				t.Fatalf("expected %v recorded in order, got %v", want, b.calls)
			}
		}
	}
}
