// Package termproto implements the NDJSON protocol spec.md §4.J defines
// between the supervisor and a terminal-worker process: command
// requests/responses, streamed output chunks, session read/kill, saved-
// command CRUD, and bidirectional heartbeats. Framing follows
// controlplane's bufio line-reader, generalized from a single
// request/envelope shape to a small tagged-message family.
package termproto

import (
	"encoding/json"

	"github.com/ds-codi/pm-supervisor/internal/executor"
	"github.com/ds-codi/pm-supervisor/internal/savedcommands"
)

// Type discriminates the NDJSON message variants of spec.md §4.J.
type Type string

const (
	TypeCommandRequest        Type = "command_request"
	TypeCommandResponse       Type = "command_response"
	TypeOutputChunk           Type = "output_chunk"
	TypeReadOutputRequest     Type = "read_output_request"
	TypeReadOutputResponse    Type = "read_output_response"
	TypeKillSessionRequest    Type = "kill_session_request"
	TypeKillSessionResponse   Type = "kill_session_response"
	TypeSavedCommandsRequest  Type = "saved_commands_request"
	TypeSavedCommandsResponse Type = "saved_commands_response"
	TypeHeartbeat             Type = "heartbeat"
)

// SavedCommandsAction is the action field of a saved_commands_request.
type SavedCommandsAction string

const (
	ActionSave   SavedCommandsAction = "save"
	ActionList   SavedCommandsAction = "list"
	ActionDelete SavedCommandsAction = "delete"
	ActionUse    SavedCommandsAction = "use"
)

// typeProbe is decoded first to learn which concrete struct a line should
// be re-decoded into (defaults: missing session_id → "default", missing
// timeout_seconds → 300, both applied by executor.SessionStore / the
// zero-value check in the variant structs' consumers, not here).
type typeProbe struct {
	Type Type `json:"type"`
}

// PeekType decodes just the "type" discriminator out of a raw NDJSON
// line, without committing to a concrete message shape.
func PeekType(line []byte) (Type, error) {
	var p typeProbe
	if err := json.Unmarshal(line, &p); err != nil {
		return "", err
	}
	return p.Type, nil
}

// CommandRequestMsg is command_request: an executor.CommandRequest
// carried under the tagged envelope.
type CommandRequestMsg struct {
	Type Type `json:"type"`
	executor.CommandRequest
}

// CommandResponseMsg is command_response: an executor.CommandResponse
// carried under the tagged envelope.
type CommandResponseMsg struct {
	Type Type `json:"type"`
	executor.CommandResponse
}

// OutputChunk is an optional incremental output notification, sent ahead
// of the final command_response.
type OutputChunk struct {
	Type  Type   `json:"type"`
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// ReadOutputRequest asks whether id is still running and for its
// accumulated output.
type ReadOutputRequest struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
}

// ReadOutputResponse answers a ReadOutputRequest.
type ReadOutputResponse struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Running   bool   `json:"running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
}

// KillSessionRequest asks the executor to kill a running command.
type KillSessionRequest struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
}

// KillSessionResponse answers a KillSessionRequest.
type KillSessionResponse struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Killed    bool   `json:"killed"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SavedCommandsRequest is the CRUD request spec.md §4.J defines. use
// enforces that SessionID (the targeted session) equals the session
// issuing the request — callers are responsible for that check since
// only they know the issuing session.
type SavedCommandsRequest struct {
	Type        Type                `json:"type"`
	ID          string              `json:"id"`
	Action      SavedCommandsAction `json:"action"`
	WorkspaceID string              `json:"workspace_id"`
	CommandID   string              `json:"command_id,omitempty"`
	Name        string              `json:"name,omitempty"`
	Command     string              `json:"command,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
}

// SavedCommandsResponse answers a SavedCommandsRequest.
type SavedCommandsResponse struct {
	Type              Type                   `json:"type"`
	ID                string                 `json:"id"`
	Action            SavedCommandsAction    `json:"action"`
	WorkspaceID       string                 `json:"workspace_id"`
	Success           bool                   `json:"success"`
	Commands          []savedcommands.Command `json:"commands,omitempty"`
	CommandEntry      *savedcommands.Command  `json:"command_entry,omitempty"`
	TargetedSessionID string                  `json:"targeted_session_id,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// Heartbeat is sent in both directions; all fields are optional.
type Heartbeat struct {
	Type        Type  `json:"type"`
	ID          string `json:"id,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}
