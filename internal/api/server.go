// Package api serves the HTTP surface of flowpilot: workflow CRUD,
// execution control, admin endpoints for API keys and webhooks, and the
// live event streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/gate"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/validation"
)

// WorkflowScheduler keeps scheduled jobs in step with workflow changes.
// Satisfied by scheduler.Scheduler.
type WorkflowScheduler interface {
	SyncWorkflow(ctx context.Context, wf *store.Workflow) error
	RemoveWorkflow(ctx context.Context, workflowID string) error
}

// Deps holds the dependencies of the API server. Hub, Validator and
// Scheduler are optional.
type Deps struct {
	Store     store.Store
	Executor  engine.Executor
	Hub       streaming.EventHub
	Validator validation.Validator
	Scheduler WorkflowScheduler
	Gate      *gate.Gate
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server serves the flowpilot HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server. A Gate over the store is created when none
// is given.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gate == nil {
		deps.Gate = gate.New(deps.Store, gate.Config{Logger: deps.Logger, WriteError: WriteGateError})
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Public, key-gated execution endpoint.
	mux.Handle("POST /api/v1/workflows/{id}/execute", s.deps.Gate.Middleware(http.HandlerFunc(s.handleExecute)))

	// Workflows.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("POST /api/workflows/validate", s.handleValidateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleRunWorkflow)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/results", s.handleGetResults)
	mux.HandleFunc("GET /api/executions/{id}/approval", s.handleGetApproval)
	mux.HandleFunc("GET /api/executions/{id}/nodes", s.handleListNodes)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /api/executions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/executions/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)

	// Admin.
	mux.HandleFunc("GET /api/keys", s.handleListKeys)
	mux.HandleFunc("POST /api/keys", s.handleCreateKey)
	mux.HandleFunc("DELETE /api/keys/{id}", s.handleRevokeKey)
	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleDeleteWebhook)

	// Live streams.
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
		mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)
		mux.Handle("GET /ws", streaming.NewWebSocketHandler(s.deps.Hub, s.deps.Logger))
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
