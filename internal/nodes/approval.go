package nodes

import (
	"context"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// ApprovalExecutor is registered for completeness; the walker suspends at
// manual-approval nodes instead of invoking it.
type ApprovalExecutor struct{}

func (e *ApprovalExecutor) Type() schema.NodeType { return schema.NodeTypeManualApproval }

func (e *ApprovalExecutor) Execute(context.Context, Request) (any, error) {
	return nil, schema.NewNodeError(schema.KindValidation, "manual-approval nodes are resolved by approve/reject")
}

// BuildApprovalData shapes the review bundle for an approval node from its
// upstream input. MaxRows limits the rows shown, not the rows approved.
func BuildApprovalData(node *schema.Node, cfg *schema.ApprovalConfig, input any, now time.Time) *schema.ApprovalData {
	title := node.Label
	instructions := ""
	maxRows := 0
	if cfg != nil {
		if cfg.Title != "" {
			title = cfg.Title
		}
		instructions = cfg.Instructions
		maxRows = cfg.MaxRows
	}
	if title == "" {
		title = node.ID
	}

	rows := ApprovalRows(input)
	total := len(rows)
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return &schema.ApprovalData{
		NodeID:       node.ID,
		Title:        title,
		Instructions: instructions,
		Rows:         rows,
		TotalRows:    total,
		RequestedAt:  now.UTC(),
	}
}

// ApprovalRows flattens an upstream value into reviewable rows.
func ApprovalRows(input any) []map[string]any {
	if records, ok := ExtractBatch(input); ok {
		return records
	}
	if input == nil {
		return []map[string]any{}
	}
	if m, ok := asMap(input); ok {
		return []map[string]any{m}
	}
	return []map[string]any{{"value": input}}
}
