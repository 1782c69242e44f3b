package streaming

import (
	"context"
	"slices"

	"github.com/rendis/flowpilot/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	ExecutionID string             `json:"executionId,omitempty"`
	WorkflowID  string             `json:"workflowId,omitempty"`
	EventTypes  []schema.EventType `json:"eventTypes,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	return true
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
