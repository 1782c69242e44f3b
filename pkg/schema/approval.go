package schema

import "time"

// Decision is the outcome of a manual approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalData is the review bundle captured when an execution suspends at
// a manual-approval node.
type ApprovalData struct {
	NodeID       string           `json:"nodeId"`
	Title        string           `json:"title,omitempty"`
	Instructions string           `json:"instructions,omitempty"`
	Rows         []map[string]any `json:"rows"`
	TotalRows    int              `json:"totalRows"`
	RequestedAt  time.Time        `json:"requestedAt"`
}
