package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor engine.Executor
	Store    store.Store
	Sessions *SessionRegistry // optional; created when nil
	Logger   *slog.Logger
}

// Server wraps an MCP server with flowpilot tool handlers.
type Server struct {
	executor  engine.Executor
	store     store.Store
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		executor: deps.Executor,
		store:    deps.Store,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowpilot",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowpilot runs visual automation workflows. Use flowpilot.run to start a workflow, flowpilot.status to follow an execution, flowpilot.approve or flowpilot.reject to decide on an execution waiting for manual approval, and flowpilot.cancel to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution to session mapping fed by flowpilot.run.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: rejectTool(), Handler: s.handleReject},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowpilot.run",
		mcp.WithDescription("Start an execution of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("input", mcp.Description("Trigger input for the execution")),
		mcp.WithBoolean("wait", mcp.Description("Run to completion or approval before returning (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowpilot.status",
		mcp.WithDescription("Get execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("include_results", mcp.Description("Also return the final output and every node output")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("flowpilot.approve",
		mcp.WithDescription("Approve an execution waiting for manual approval"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithString("comment", mcp.Description("Reviewer comment")),
	)
}

func rejectTool() mcp.Tool {
	return mcp.NewTool("flowpilot.reject",
		mcp.WithDescription("Reject an execution waiting for manual approval"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithString("comment", mcp.Description("Reason for the rejection")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowpilot.cancel",
		mcp.WithDescription("Cancel a running or suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}
