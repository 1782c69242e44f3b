package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/pkg/schema"
)

// handleRun starts an execution. With wait set it runs synchronously and
// returns the outcome, otherwise it returns the execution ID at once.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	if !req.GetBool("wait", false) {
		execID, startErr := s.executor.StartExecution(ctx, workflowID, input, engine.WithTrigger("mcp"))
		if startErr != nil {
			return toolError("start failed", startErr), nil
		}
		s.captureSession(ctx, execID)
		return marshalResult(map[string]any{
			"execution_id": execID,
			"workflow_id":  workflowID,
			"status":       schema.ExecutionPending,
		})
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return toolError("workflow lookup failed", wfErr), nil
	}
	if !wf.Active {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s is inactive", workflowID)), nil
	}

	result, runErr := s.executor.Run(ctx, &wf.Definition, wf.ID, input)
	if runErr != nil {
		return toolError("workflow execution failed", runErr), nil
	}
	if result.Status == schema.ExecutionPendingApproval {
		s.captureSession(ctx, result.ExecutionID)
	}
	return marshalResult(result)
}

// handleStatus returns the current state of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, statusErr := s.executor.GetStatus(ctx, execID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	if !req.GetBool("include_results", false) {
		return marshalResult(status)
	}

	results, resErr := s.executor.GetResults(ctx, execID)
	if resErr != nil {
		return toolError("results query failed", resErr), nil
	}
	return marshalResult(map[string]any{"status": status, "results": results})
}

// handleApprove resumes a suspended execution and returns its outcome.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	s.captureSession(ctx, execID)
	result, approveErr := s.executor.Approve(ctx, execID, req.GetString("comment", ""))
	if approveErr != nil {
		return toolError("approve failed", approveErr), nil
	}
	return marshalResult(result)
}

// handleReject cancels a suspended execution.
func (s *Server) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if rejectErr := s.executor.Reject(ctx, execID, req.GetString("comment", "")); rejectErr != nil {
		return toolError("reject failed", rejectErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"status":       schema.ExecutionCancelled,
	})
}

// handleCancel stops an execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.executor.Cancel(ctx, execID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": execID})
}

// captureSession maps the execution to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping its code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.ErrorCode(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
