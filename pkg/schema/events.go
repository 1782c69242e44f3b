package schema

import "time"

// EventType names a state transition.
type EventType string

// Event type constants emitted on every execution and node transition.
const (
	EventExecutionStarted         EventType = "execution.started"
	EventExecutionCompleted       EventType = "execution.completed"
	EventExecutionFailed          EventType = "execution.failed"
	EventExecutionCancelled       EventType = "execution.cancelled"
	EventExecutionPendingApproval EventType = "execution.pending_approval"
	EventExecutionResumed         EventType = "execution.resumed"

	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeRetry     EventType = "node.retry"
)

// Event is a typed notification of a state transition.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	NodeID      string         `json:"nodeId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionPendingApproval ExecutionStatus = "pending_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus represents the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeRetrying  NodeStatus = "retrying"
)
