package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// Notifier pushes execution progress to the MCP session that started the
// execution. Best-effort: a disconnected session drops the event.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewNotifier creates a Notifier over the given hub and session registry.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to the hub and forwards events until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.push(event)
			}
		}
	}()
	return nil
}

// push forwards one event to its execution's session.
func (n *Notifier) push(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return // nobody is watching this execution
	}

	payload := map[string]any{
		"execution_id": event.ExecutionID,
		"event_type":   event.EventType,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("push execution event failed",
			"execution_id", event.ExecutionID, "error", err)
	}

	// A terminal event is the last thing a watcher will ever receive.
	switch event.EventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		n.sessions.Forget(event.ExecutionID)
	}
}
