package formapp

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func shellConfig(t *testing.T, script string, timeout time.Duration) Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix-shell test")
	}
	return Config{Command: "sh", Args: []string{"-c", script}, Timeout: timeout}
}

func TestLaunchReadsOneJSONLine(t *testing.T) {
	cfg := shellConfig(t, `read -r _req; echo '{"status":"completed","value":42}'`, 2*time.Second)
	l := New(nil)

	resp, err := l.Launch(context.Background(), "brainstorm_gui", "s1", cfg, map[string]string{"prompt": "hi"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if resp.Status != "completed" || resp.PendingRefinement {
		t.Fatalf("unexpected response: %+v", resp)
	}

	lc, ok := l.Lifecycle("brainstorm_gui")
	if !ok || lc.State != StateCompleted {
		t.Fatalf("expected completed lifecycle, got %+v ok=%v", lc, ok)
	}
}

func TestLaunchTimesOutWhenChildNeverResponds(t *testing.T) {
	cfg := shellConfig(t, `sleep 5`, 200*time.Millisecond)
	l := New(nil)

	resp, err := l.Launch(context.Background(), "approval_gui", "s1", cfg, map[string]string{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !resp.TimedOut || resp.Status != "timed_out" {
		t.Fatalf("expected timed out response, got %+v", resp)
	}
}

func TestLaunchInvalidJSONReturnsError(t *testing.T) {
	cfg := shellConfig(t, `read -r _req; echo 'not json'`, 2*time.Second)
	l := New(nil)

	_, err := l.Launch(context.Background(), "approval_gui", "s1", cfg, map[string]string{})
	if err == nil {
		t.Fatalf("expected an error for invalid JSON response")
	}
}

func TestLaunchClosedStdoutWithoutResponseReturnsError(t *testing.T) {
	cfg := shellConfig(t, `read -r _req`, 2*time.Second)
	l := New(nil)

	_, err := l.Launch(context.Background(), "approval_gui", "s1", cfg, map[string]string{})
	if err == nil {
		t.Fatalf("expected an error when stdout closes without a response")
	}
}

func TestRefinementRoundTripViaContinueApp(t *testing.T) {
	// First line asks for refinement; once stdin receives the follow-up
	// it prints a second, final line.
	script := `
read -r _first
echo '{"status":"refinement_requested"}'
read -r _second
echo '{"status":"completed","value":"final"}'
`
	cfg := shellConfig(t, script, 2*time.Second)
	l := New(nil)

	resp, err := l.Launch(context.Background(), "brainstorm_gui", "s1", cfg, map[string]string{"prompt": "start"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !resp.PendingRefinement {
		t.Fatalf("expected refinement requested, got %+v", resp)
	}

	final, err := l.ContinueApp(context.Background(), "s1", map[string]string{"prompt": "refine"}, 2*time.Second)
	if err != nil {
		t.Fatalf("ContinueApp: %v", err)
	}
	if final.Status != "completed" || final.PendingRefinement {
		t.Fatalf("unexpected final response: %+v", final)
	}
}

func TestContinueAppUnknownSessionErrors(t *testing.T) {
	l := New(nil)
	_, err := l.ContinueApp(context.Background(), "nonexistent", map[string]string{}, time.Second)
	if err == nil {
		t.Fatalf("expected error for unknown session")
	}
}
