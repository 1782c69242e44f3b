package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/pkg/schema"
)

// notificationSender is the part of server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// SessionNotifier pushes execution milestones to the MCP session watching
// the execution. It satisfies notify.Notifier.
type SessionNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewSessionNotifier creates a notifier that pushes through mcpServer.
func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *SessionNotifier {
	return newSessionNotifier(mcpServer, sessions, logger)
}

func newSessionNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *SessionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends approval requests and terminal outcomes. Best-effort: events
// of executions without a session are ignored.
func (n *SessionNotifier) Notify(ctx context.Context, event schema.Event) {
	switch event.Type {
	case schema.EventExecutionPendingApproval, schema.EventExecutionCompleted,
		schema.EventExecutionFailed, schema.EventExecutionCancelled:
	default:
		return
	}

	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return
	}
	if event.Type != schema.EventExecutionPendingApproval {
		n.sessions.Forget(event.ExecutionID)
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "flowpilot",
		"data": map[string]any{
			"type":        event.Type,
			"executionId": event.ExecutionID,
			"workflowId":  event.WorkflowID,
			"payload":     event.Payload,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.WarnContext(ctx, "mcp notification failed", "execution_id", event.ExecutionID, "error", err)
	}
}
