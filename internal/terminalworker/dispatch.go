package terminalworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/executor"
	"github.com/ds-codi/pm-supervisor/internal/termproto"
)

// maxReadOutputBytes caps the stdout/stderr strings a read_output_response
// carries; longer transcripts are truncated (the full transcript is still
// available from the persisted output file per spec.md §6).
const maxReadOutputBytes = 64 * 1024

// dispatcher routes one connection's decoded termproto messages to the
// executor and saved-commands store, and answers directly on the session.
type dispatcher struct {
	cfg     Config
	session *termproto.Session
	logger  *zap.Logger

	mu      sync.Mutex
	lastSID string // session_id of the most recent command_request on this connection
}

func (d *dispatcher) handle(ctx context.Context, typ termproto.Type, raw []byte) {
	switch typ {
	case termproto.TypeCommandRequest:
		d.handleCommandRequest(ctx, raw)
	case termproto.TypeReadOutputRequest:
		d.handleReadOutput(raw)
	case termproto.TypeKillSessionRequest:
		d.handleKillSession(raw)
	case termproto.TypeSavedCommandsRequest:
		d.handleSavedCommands(raw)
	case termproto.TypeHeartbeat:
		// Liveness bookkeeping already happened in termproto.Session.Run;
		// no response is required.
	default:
		// command_response/output_chunk only ever flow supervisor -> worker.
	}
}

// handleCommandRequest runs the command asynchronously so a long-running
// command never blocks this connection's read loop (spec.md §5: per-session
// ordering comes from the executor's single-consumer worker, not from this
// dispatch loop).
func (d *dispatcher) handleCommandRequest(ctx context.Context, raw []byte) {
	var msg termproto.CommandRequestMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Warn("malformed command_request, skipping", zap.Error(err))
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = "default"
	}

	d.mu.Lock()
	d.lastSID = msg.SessionID
	d.mu.Unlock()

	go func() {
		onLine := func(line executor.OutputLine) {
			_ = d.session.Send(termproto.OutputChunk{
				Type:  termproto.TypeOutputChunk,
				ID:    line.CommandID,
				Chunk: line.Text,
			})
		}

		resp, err := d.cfg.Executor.Submit(ctx, msg.CommandRequest, onLine)
		if err != nil {
			resp = executor.CommandResponse{ID: msg.ID, Status: executor.StatusDeclined, Reason: err.Error()}
		}
		if err := d.session.Send(termproto.CommandResponseMsg{Type: termproto.TypeCommandResponse, CommandResponse: resp}); err != nil {
			d.logger.Debug("failed to send command_response", zap.Error(err))
		}
	}()
}

func (d *dispatcher) handleReadOutput(raw []byte) {
	var req termproto.ReadOutputRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Warn("malformed read_output_request, skipping", zap.Error(err))
		return
	}

	running, exitCode, stdout, stderr, found := d.cfg.Executor.ReadOutput(req.ID)
	resp := termproto.ReadOutputResponse{
		Type:      termproto.TypeReadOutputResponse,
		ID:        req.ID,
		SessionID: req.SessionID,
		Running:   running,
	}
	if !found {
		resp.Stdout, resp.Stderr = "", ""
	} else {
		resp.ExitCode = exitCode
		resp.Stdout, resp.Truncated = truncate(stdout, maxReadOutputBytes, resp.Truncated)
		resp.Stderr, resp.Truncated = truncate(stderr, maxReadOutputBytes, resp.Truncated)
	}

	if err := d.session.Send(resp); err != nil {
		d.logger.Debug("failed to send read_output_response", zap.Error(err))
	}
}

func truncate(s string, max int, alreadyTruncated bool) (string, bool) {
	if len(s) <= max {
		return s, alreadyTruncated
	}
	return s[len(s)-max:], true
}

func (d *dispatcher) handleKillSession(raw []byte) {
	var req termproto.KillSessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Warn("malformed kill_session_request, skipping", zap.Error(err))
		return
	}

	resp := termproto.KillSessionResponse{
		Type:      termproto.TypeKillSessionResponse,
		ID:        req.ID,
		SessionID: req.SessionID,
		Killed:    d.cfg.Executor.Kill(req.ID),
	}
	if !resp.Killed {
		resp.Message = "no running command with that id"
	}

	if err := d.session.Send(resp); err != nil {
		d.logger.Debug("failed to send kill_session_response", zap.Error(err))
	}
}

// handleSavedCommands implements the saved_commands_request CRUD
// dispatch of spec.md §4.J. "use" additionally enforces that the
// targeted session_id equals the session that most recently issued a
// command_request on this connection.
func (d *dispatcher) handleSavedCommands(raw []byte) {
	var req termproto.SavedCommandsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Warn("malformed saved_commands_request, skipping", zap.Error(err))
		return
	}

	resp := termproto.SavedCommandsResponse{
		Type:        termproto.TypeSavedCommandsResponse,
		ID:          req.ID,
		Action:      req.Action,
		WorkspaceID: req.WorkspaceID,
	}

	switch req.Action {
	case termproto.ActionList:
		cmds, err := d.cfg.SavedCommands.List(req.WorkspaceID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Commands = cmds
		}

	case termproto.ActionSave:
		cmd, err := d.cfg.SavedCommands.Save(req.WorkspaceID, req.Name, req.Command)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.CommandEntry = &cmd
		}

	case termproto.ActionDelete:
		ok, err := d.cfg.SavedCommands.Delete(req.WorkspaceID, req.CommandID)
		switch {
		case err != nil:
			resp.Error = err.Error()
		case !ok:
			resp.Error = "unknown command id"
		default:
			resp.Success = true
		}

	case termproto.ActionUse:
		d.mu.Lock()
		targeted := d.lastSID
		d.mu.Unlock()
		if req.SessionID != "" && req.SessionID != targeted {
			resp.Error = "use: targeted session does not match the requesting session"
			break
		}
		cmd, ok, err := d.cfg.SavedCommands.Use(req.WorkspaceID, req.CommandID)
		switch {
		case err != nil:
			resp.Error = err.Error()
		case !ok:
			resp.Error = "unknown command id"
		default:
			resp.Success = true
			resp.CommandEntry = &cmd
			resp.TargetedSessionID = req.SessionID
		}

	default:
		resp.Error = fmt.Sprintf("unknown saved-commands action %q", req.Action)
	}

	if err := d.session.Send(resp); err != nil {
		d.logger.Debug("failed to send saved_commands_response", zap.Error(err))
	}
}
