package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

type workflowBody struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Active      *bool                     `json:"active"`
}

type commentBody struct {
	Comment string `json:"comment"`
}

// --- Execution launch ---

// handleExecute is the public endpoint behind the API-key gate.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, "api")
}

// handleRunWorkflow launches a workflow from the editor.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, "ui")
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request, trigger string) {
	workflowID := r.PathValue("id")

	var input map[string]any
	if err := decodeJSON(r, &input, true); err != nil {
		writeError(w, err)
		return
	}

	execID, err := s.deps.Executor.StartExecution(r.Context(), workflowID, input, engine.WithTrigger(trigger))
	if err != nil {
		writeError(w, err)
		return
	}
	logging.LogWith(logging.WithIDs(r.Context(), execID, workflowID), s.deps.Logger).
		Info("execution accepted", "trigger", trigger)

	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": execID})
}

// --- Workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("active"); v != "" {
		if active, err := strconv.ParseBool(v); err == nil {
			filter.Active = &active
		}
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ID string `json:"id"`
		workflowBody
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "name is required"))
		return
	}
	if err := s.validate(&body.Definition); err != nil {
		writeError(w, err)
		return
	}

	wf := &store.Workflow{
		ID:          body.ID,
		Name:        body.Name,
		Description: body.Description,
		Definition:  body.Definition,
		Active:      body.Active == nil || *body.Active,
		CreatedAt:   s.deps.Now().UTC(),
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.syncSchedule(ctx, wf); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body workflowBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate(&body.Definition); err != nil {
		writeError(w, err)
		return
	}

	if body.Name != "" {
		wf.Name = body.Name
	}
	wf.Description = body.Description
	wf.Definition = body.Definition
	if body.Active != nil {
		wf.Active = *body.Active
	}

	if err := s.deps.Store.UpdateWorkflow(ctx, wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.syncSchedule(ctx, wf); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := s.deps.Store.DeleteWorkflow(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Scheduler != nil {
		if err := s.deps.Scheduler.RemoveWorkflow(ctx, id); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

// handleValidateWorkflow reports every issue of a definition without
// storing it.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeJSON(r, &def, false); err != nil {
		writeError(w, err)
		return
	}

	result := &schema.ValidationResult{}
	if err := s.validate(&def); err != nil {
		if issues := validation.Issues(err); len(issues) > 0 {
			result.Errors = issues
		} else {
			result.AddError("/", schema.ErrorCode(err), err.Error())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// validate runs the configured validator, then the structural checks the
// engine applies before any run.
func (s *Server) validate(def *schema.WorkflowDefinition) error {
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	_, err := engine.ParseDAG(def)
	return err
}

func (s *Server) syncSchedule(ctx context.Context, wf *store.Workflow) error {
	if s.deps.Scheduler == nil {
		return nil
	}
	return s.deps.Scheduler.SyncWorkflow(ctx, wf)
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Executor.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Executor.GetResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.deps.Executor.GetPendingApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Executor.ListNodeExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*store.NodeExecution{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := s.deps.Store.GetExecution(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.deps.Store.GetEvents(ctx, id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleApprove resumes the execution and answers with its outcome. The
// walk outlives a dropped client connection.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.Executor.Approve(context.WithoutCancel(r.Context()), r.PathValue("id"), body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Executor.Reject(r.Context(), id, body.Comment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "execution_id": id, "status": schema.ExecutionCancelled})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Executor.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "execution_id": id})
}
