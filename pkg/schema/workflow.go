package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable graph produced by the editor.
// An Execution stores a frozen copy of it, so edits to the live workflow
// never reach an in-flight run.
type WorkflowDefinition struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one typed, independently executable step of a workflow graph.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed connection between two nodes. SourceHandle tags the
// branch of a conditional ("true" / "false") and is empty otherwise.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// NodeType enumerates the node palette.
type NodeType string

const (
	NodeTypeTrigger          NodeType = "trigger"
	NodeTypeHTTP             NodeType = "http"
	NodeTypeTransform        NodeType = "transform"
	NodeTypeConditional      NodeType = "conditional"
	NodeTypeDelay            NodeType = "delay"
	NodeTypeWebhook          NodeType = "webhook"
	NodeTypeCSVUpload        NodeType = "csv-upload"
	NodeTypeAIContent        NodeType = "ai-content-generator"
	NodeTypeComplianceCheck  NodeType = "compliance-checker"
	NodeTypeComplianceReport NodeType = "compliance-report"
	NodeTypeMessagingSend    NodeType = "messaging-send"
	NodeTypeManualApproval   NodeType = "manual-approval"
)

// AllNodeTypes lists every known node type in palette order.
var AllNodeTypes = []NodeType{
	NodeTypeTrigger,
	NodeTypeHTTP,
	NodeTypeTransform,
	NodeTypeConditional,
	NodeTypeDelay,
	NodeTypeWebhook,
	NodeTypeCSVUpload,
	NodeTypeAIContent,
	NodeTypeComplianceCheck,
	NodeTypeComplianceReport,
	NodeTypeMessagingSend,
	NodeTypeManualApproval,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, known := range AllNodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Branch handles emitted by conditional nodes.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// Batch is an ordered list of records produced by a record-source node.
// Batch-aware downstream nodes run once per record.
type Batch []map[string]any

// BatchResult is the aggregated outcome of a batch fan-out.
type BatchResult struct {
	SuccessCount int          `json:"successCount"`
	FailedCount  int          `json:"failedCount"`
	Results      []BatchEntry `json:"results"`
}

// BatchEntry is the outcome of one record of a batch fan-out.
type BatchEntry struct {
	Index  int            `json:"index"`
	Record map[string]any `json:"record,omitempty"`
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
