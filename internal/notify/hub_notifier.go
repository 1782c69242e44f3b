package notify

import (
	"context"
	"log/slog"

	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// HubNotifier publishes events on a streaming hub for realtime clients.
type HubNotifier struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewHubNotifier creates a HubNotifier.
func NewHubNotifier(hub streaming.EventHub, logger *slog.Logger) *HubNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubNotifier{hub: hub, logger: logger}
}

// Notify publishes event. Publishing never blocks on slow subscribers.
func (n *HubNotifier) Notify(ctx context.Context, event schema.Event) {
	if err := n.hub.Publish(context.WithoutCancel(ctx), event); err != nil {
		n.logger.DebugContext(ctx, "hub publish failed", "type", event.Type, "error", err)
	}
}
