// Package savedcommands implements the per-workspace saved-command store
// of spec.md §3/§6: one JSON document per workspace id, CRUD with
// timestamps. The atomic-write discipline matches internal/lock and
// internal/outputstore.
package savedcommands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Command is a single saved command (spec.md §3 SavedCommand).
type Command struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	LastUsedAt int64  `json:"last_used_at,omitempty"`
}

type document struct {
	WorkspaceID string    `json:"workspace_id"`
	Commands    []Command `json:"commands"`
}

// Store is a per-workspace saved-command store rooted at dir, one JSON
// file per workspace id.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("savedcommands: failed to create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// List returns every saved command for workspaceID, oldest first.
func (s *Store) List(workspaceID string) ([]Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(workspaceID)
	if err != nil {
		return nil, err
	}
	return doc.Commands, nil
}

// Save adds a new command and returns it with its generated id and
// timestamps populated. An empty name is stored as given; neither Save nor
// the terminal-worker dispatcher rejects it.
func (s *Store) Save(workspaceID, name, command string) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(workspaceID)
	if err != nil {
		return Command{}, err
	}

	now := time.Now().UnixMilli()
	entry := Command{
		ID:        uuid.NewString(),
		Name:      name,
		Command:   command,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Commands = append(doc.Commands, entry)
	if err := s.persist(doc); err != nil {
		return Command{}, err
	}
	return entry, nil
}

// Delete removes the command with commandID. Returns false if it was not
// found.
func (s *Store) Delete(workspaceID, commandID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(workspaceID)
	if err != nil {
		return false, err
	}
	for i, c := range doc.Commands {
		if c.ID == commandID {
			doc.Commands = append(doc.Commands[:i], doc.Commands[i+1:]...)
			return true, s.persist(doc)
		}
	}
	return false, nil
}

// Use marks commandID's last_used_at as now and returns the updated entry.
// Returns ok=false if not found.
func (s *Store) Use(workspaceID, commandID string) (Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(workspaceID)
	if err != nil {
		return Command{}, false, err
	}
	for i := range doc.Commands {
		if doc.Commands[i].ID == commandID {
			doc.Commands[i].LastUsedAt = time.Now().UnixMilli()
			if err := s.persist(doc); err != nil {
				return Command{}, false, err
			}
			return doc.Commands[i], true, nil
		}
	}
	return Command{}, false, nil
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.dir, workspaceID+".json")
}

func (s *Store) load(workspaceID string) (document, error) {
	raw, err := os.ReadFile(s.path(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return document{WorkspaceID: workspaceID}, nil
		}
		return document{}, fmt.Errorf("savedcommands: failed to read store for %s: %w", workspaceID, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("savedcommands: corrupt store for %s: %w", workspaceID, err)
	}
	return doc, nil
}

func (s *Store) persist(doc document) error {
	tmp, err := os.CreateTemp(s.dir, ".saved-*.tmp")
	if err != nil {
		return fmt.Errorf("savedcommands: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := json.NewEncoder(tmp).Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("savedcommands: failed to encode store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("savedcommands: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(doc.WorkspaceID)); err != nil {
		return fmt.Errorf("savedcommands: failed to rename into place: %w", err)
	}
	ok = true
	return nil
}
