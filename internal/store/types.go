package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Workflow is the live, editable workflow. Executions snapshot its
// definition at launch.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Active      bool                      `json:"active"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow definition snapshot.
type Execution struct {
	ID           string                    `json:"id"`
	WorkflowID   string                    `json:"workflow_id"`
	Status       schema.ExecutionStatus    `json:"status"`
	Snapshot     schema.WorkflowDefinition `json:"workflow_snapshot"`
	Input        map[string]any            `json:"input,omitempty"`
	Output       json.RawMessage           `json:"output,omitempty"`
	Error        string                    `json:"error,omitempty"`
	ErrorNodeID  string                    `json:"error_node_id,omitempty"`
	ApprovalData *schema.ApprovalData      `json:"approval_data,omitempty"`
	Trigger      string                    `json:"trigger,omitempty"` // api | ui | schedule | cli
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// NodeExecution is one node's run within an execution. There is at most one
// per (execution, node): retries update the same record.
type NodeExecution struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	NodeType    schema.NodeType   `json:"node_type"`
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the execution audit log.
type Event struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id,omitempty"`
	Type        schema.EventType `json:"event_type"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Sequence    int64            `json:"sequence"`
}

// APIKey gates the public execution endpoint. Only the SHA-256 hash of the
// bearer token is stored.
type APIKey struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"`
	Prefix       string     `json:"prefix"`
	WorkflowID   string     `json:"workflow_id,omitempty"` // empty: any workflow
	MonthlyLimit int        `json:"monthly_limit"`         // 0: unlimited
	UsageCount   int        `json:"usage_count"`
	UsagePeriod  string     `json:"usage_period,omitempty"` // YYYY-MM
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// WebhookSubscription is an outbound webhook target.
type WebhookSubscription struct {
	ID         string             `json:"id"`
	URL        string             `json:"url"`
	Secret     string             `json:"-"`
	EventTypes []schema.EventType `json:"event_types,omitempty"` // empty: all events
	Active     bool               `json:"active"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Wants reports whether the subscription receives events of the given type.
func (w *WebhookSubscription) Wants(eventType schema.EventType) bool {
	if !w.Active {
		return false
	}
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, t := range w.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// ScheduledJob is a cron trigger for a workflow.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	NodeID         string         `json:"node_id,omitempty"` // trigger node that declared the schedule
	CronExpression string         `json:"cron_expression"`
	Input          map[string]any `json:"input,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Active *bool `json:"active,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. When From is
// non-empty the update applies only if the current status is one of From,
// otherwise it fails with INVALID_STATE and nothing is written.
type ExecutionUpdate struct {
	From          []schema.ExecutionStatus `json:"-"`
	Status        *schema.ExecutionStatus  `json:"status,omitempty"`
	Output        json.RawMessage          `json:"output,omitempty"`
	Error         *string                  `json:"error,omitempty"`
	ErrorNodeID   *string                  `json:"error_node_id,omitempty"`
	ApprovalData  *schema.ApprovalData     `json:"approval_data,omitempty"`
	ClearApproval bool                     `json:"-"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
