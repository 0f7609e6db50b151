package outputstore

import (
	"testing"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := Record{
		ID:               "cmd-1",
		Command:          "echo hi",
		WorkingDirectory: "/tmp",
		SessionID:        "default",
		Status:           "approved",
		StartedAtMs:      1000,
		CompletedAtMs:    1500,
		ExitCode:         0,
		Lines: []Line{
			{TimestampMs: 1100, Stream: Stdout, Text: "hi"},
			{TimestampMs: 1200, Stream: Stderr, Text: "[stderr] warn"},
		},
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("cmd-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Command != rec.Command || len(loaded.Lines) != 2 {
		t.Fatalf("unexpected loaded record: %+v", loaded)
	}
}

func TestLoadMissingRecordErrors(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Load("nonexistent"); err == nil {
		t.Fatalf("expected error loading missing record")
	}
}

func TestPathDoesNotRequireFileToExist(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := s.Path("cmd-2")
	if path == "" {
		t.Fatalf("expected non-empty path")
	}
}
