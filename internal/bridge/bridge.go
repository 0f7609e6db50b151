// Package bridge defines the capability-object interface the core
// supervisor uses to push UI-facing notifications outward (spec.md §3/§5
// GuiBridge) without ever blocking on GUI I/O. It generalizes the typed
// notification-method pattern from
// arkeep/server/internal/notification/service.go (NotifyJobSucceeded,
// NotifyJobFailed, NotifyAgentOffline — one method per event kind, each
// building its own payload) to the smaller set of status/command
// callbacks spec.md §5 describes.
package bridge

import "go.uber.org/zap"

// Bridge is the capability object core components hold to push status
// text and command-lifecycle notifications toward whatever GUI shell is
// attached, without depending on its transport. Every method must return
// quickly and never block the caller on external I/O (spec.md §5) —
// implementations that need to do real work should hand it off
// asynchronously.
type Bridge interface {
	// SetStatusText updates the free-form status line shown for service.
	SetStatusText(service, text string)

	// SetPendingCommandsJSON replaces the serialized list of commands
	// awaiting approval, as produced by the executor (publishPending).
	SetPendingCommandsJSON(sessionID string, commandsJSON string)

	// NotifyCommandReceived fires when a command is queued for approval.
	NotifyCommandReceived(sessionID, commandID string)

	// NotifyCommandCompleted fires when a command finishes, successfully
	// or not.
	NotifyCommandCompleted(sessionID, commandID string, exitCode int, ok bool)
}

// LoggingBridge is the default Bridge used when no richer GUI shell is
// attached: every call is recorded as a structured log line. It is always
// safe to use standalone and never returns an error, matching how
// notification.Service treats delivery-channel failures as log-only
// (arkeep/server/internal/notification/service.go's notify()).
type LoggingBridge struct {
	logger *zap.Logger
}

// NewLoggingBridge builds a LoggingBridge.
func NewLoggingBridge(logger *zap.Logger) *LoggingBridge {
	return &LoggingBridge{logger: logger.Named("bridge")}
}

func (b *LoggingBridge) SetStatusText(service, text string) {
	b.logger.Info("status text", zap.String("service", service), zap.String("text", text))
}

func (b *LoggingBridge) SetPendingCommandsJSON(sessionID string, commandsJSON string) {
	b.logger.Info("pending commands updated",
		zap.String("session_id", sessionID),
		zap.Int("bytes", len(commandsJSON)),
	)
}

func (b *LoggingBridge) NotifyCommandReceived(sessionID, commandID string) {
	b.logger.Info("command received",
		zap.String("session_id", sessionID),
		zap.String("command_id", commandID),
	)
}

func (b *LoggingBridge) NotifyCommandCompleted(sessionID, commandID string, exitCode int, ok bool) {
	b.logger.Info("command completed",
		zap.String("session_id", sessionID),
		zap.String("command_id", commandID),
		zap.Int("exit_code", exitCode),
		zap.Bool("ok", ok),
	)
}

// Multi fans a single Bridge call out to several bridges, used when both a
// GUI shell and a LoggingBridge (for audit purposes) are attached
// simultaneously. A failing sub-bridge cannot make Multi's own calls fail
// since Bridge methods have no return value — each sub-bridge is
// responsible for swallowing its own errors internally.
type Multi struct {
	bridges []Bridge
}

// NewMulti builds a Multi fanning out to all of bridges, in order.
func NewMulti(bridges ...Bridge) *Multi {
	return &Multi{bridges: bridges}
}

func (m *Multi) SetStatusText(service, text string) {
	for _, b := range m.bridges {
		b.SetStatusText(service, text)
	}
}

func (m *Multi) SetPendingCommandsJSON(sessionID string, commandsJSON string) {
	for _, b := range m.bridges {
		b.SetPendingCommandsJSON(sessionID, commandsJSON)
	}
}

func (m *Multi) NotifyCommandReceived(sessionID, commandID string) {
	for _, b := range m.bridges {
		b.NotifyCommandReceived(sessionID, commandID)
	}
}

func (m *Multi) NotifyCommandCompleted(sessionID, commandID string, exitCode int, ok bool) {
	for _, b := range m.bridges {
		b.NotifyCommandCompleted(sessionID, commandID, exitCode, ok)
	}
}
