// Package outputstore persists one JSON file per executed command, the
// on-disk shape spec.md §6 defines. The atomic write (temp file + rename)
// follows the same pattern as internal/lock's writeAtomic and
// arkeep/agent/internal/connection/manager.go's saveState.
package outputstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Stream identifies which descriptor a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one captured line of output.
type Line struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Stream      Stream `json:"stream"`
	Text        string `json:"text"`
}

// Record is the full persisted shape of one executed command (spec.md §6).
type Record struct {
	ID               string `json:"id"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	StartedAtMs      int64  `json:"started_at_ms"`
	CompletedAtMs    int64  `json:"completed_at_ms"`
	ExitCode         int    `json:"exit_code"`
	Lines            []Line `json:"lines"`
}

// Store persists Records to one JSON file per command under dir.
type Store struct {
	dir string
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("outputstore: failed to create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes rec to "<id>.json" atomically.
func (s *Store) Save(rec Record) error {
	path := filepath.Join(s.dir, rec.ID+".json")

	tmp, err := os.CreateTemp(s.dir, ".output-*.tmp")
	if err != nil {
		return fmt.Errorf("outputstore: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		tmp.Close()
		return fmt.Errorf("outputstore: failed to encode record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("outputstore: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("outputstore: failed to rename into place: %w", err)
	}
	ok = true
	return nil
}

// Load reads the persisted record for id.
func (s *Store) Load(id string) (Record, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return Record{}, fmt.Errorf("outputstore: failed to read record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("outputstore: corrupt record %s: %w", id, err)
	}
	return rec, nil
}

// Path returns the on-disk path a given command id would be stored at,
// without requiring the file to already exist — used to populate
// CommandResponse.output_file_path before Save completes.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
