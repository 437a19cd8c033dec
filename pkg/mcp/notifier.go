package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/casaops/sopflow/internal/notify"
	"github.com/casaops/sopflow/pkg/schema"
)

// PushNotifier implements notify.Dispatcher by pushing notification requests
// to the MCP session of the target role. Best-effort: a role with no
// connected session simply misses the push; the communication log still holds
// the record.
type PushNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewPushNotifier creates a notifier over the server's session registry.
func NewPushNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *PushNotifier {
	return &PushNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Dispatch pushes the request to the target role's session.
func (n *PushNotifier) Dispatch(_ context.Context, req schema.NotificationRequest) error {
	sessionID, ok := n.sessions.SessionFor(req.ToRole)
	if !ok {
		return nil
	}
	payload := map[string]any{
		"to_role":   req.ToRole,
		"to_user":   req.ToUser,
		"channel":   req.Channel,
		"template":  req.Template,
		"variables": req.Variables,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

var _ notify.Dispatcher = (*PushNotifier)(nil)
