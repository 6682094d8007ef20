package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// NotificationSender pushes a notification to one connected session.
// *server.MCPServer implements it.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier bridges the event hub to MCP push notifications. It forwards
// each run event to the sessions watching that execution and releases the
// watchers once the run reaches a terminal event.
type Notifier struct {
	sender   NotificationSender
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier that pushes hub events over MCP.
func NewNotifier(sender NotificationSender, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to the hub and forwards events until Stop is called or
// the context is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		cancel()
		return err
	}
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.forward(ev)
			}
		}
	}()
	return nil
}

// Stop ends forwarding and waits for the pump goroutine to exit. Safe to
// call without a prior Start.
func (n *Notifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
}

// forward delivers one event to every watching session. Sends are best
// effort: a session that disappeared is dropped from the registry.
func (n *Notifier) forward(ev streaming.Event) {
	if ev.ExecutionID == "" {
		// Definition lifecycle events carry no execution and have no watchers.
		return
	}

	params := notificationParams(ev)
	for _, sessionID := range n.sessions.SessionsFor(ev.ExecutionID) {
		err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send, forget it.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			n.logger.Warn("push notification failed",
				"session_id", sessionID, "event_type", ev.Type, "error", err)
		}
	}

	if terminalEvent(ev.Type) {
		n.sessions.Release(ev.ExecutionID)
	}
}

// notificationParams flattens an event into the notification payload.
func notificationParams(ev streaming.Event) map[string]any {
	params := map[string]any{
		"eventType":   ev.Type,
		"workflowId":  ev.WorkflowID,
		"executionId": ev.ExecutionID,
		"sequence":    ev.Sequence,
		"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.StepID != "" {
		params["stepId"] = ev.StepID
	}
	if len(ev.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			params["payload"] = payload
		}
	}
	return params
}

// terminalEvent reports whether the event type ends an execution.
func terminalEvent(eventType string) bool {
	switch eventType {
	case flow.EventExecutionCompleted, flow.EventExecutionFailed, flow.EventExecutionCancelled:
		return true
	}
	return false
}
