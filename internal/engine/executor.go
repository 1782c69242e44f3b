package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/notify"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Executor is the central workflow execution coordinator.
type Executor interface {
	// StartExecution snapshots the live workflow, creates a pending execution
	// and dispatches it in the background. It returns the execution ID.
	StartExecution(ctx context.Context, workflowID string, input map[string]any, opts ...StartOption) (string, error)

	// Run executes def synchronously until it completes, fails, is cancelled
	// or suspends at a manual-approval node.
	Run(ctx context.Context, def *schema.WorkflowDefinition, workflowID string, input map[string]any) (*ExecutionResult, error)

	// Approve resumes a suspended execution past its approval node.
	Approve(ctx context.Context, executionID, comment string) (*ExecutionResult, error)

	// Reject cancels a suspended execution.
	Reject(ctx context.Context, executionID, comment string) error

	// Cancel stops an execution. Running executions stop at the next node
	// boundary.
	Cancel(ctx context.Context, executionID string) error

	GetStatus(ctx context.Context, executionID string) (*ExecutionStatus, error)
	GetResults(ctx context.Context, executionID string) (*ExecutionResults, error)
	GetPendingApproval(ctx context.Context, executionID string) (*schema.ApprovalData, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*store.NodeExecution, error)

	// Wait blocks until every background execution and every walk resumed
	// by Approve has returned.
	Wait()
}

// ExecutionResult is returned by Run and Approve with the execution outcome.
type ExecutionResult struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	Status       schema.ExecutionStatus `json:"status"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorNodeID  string                 `json:"error_node_id,omitempty"`
	ApprovalData *schema.ApprovalData   `json:"approval_data,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Nodes        map[string]*NodeResult `json:"nodes,omitempty"`
}

// NodeResult summarizes the outcome of a single node in one walker pass.
type NodeResult struct {
	NodeID     string            `json:"node_id"`
	Status     schema.NodeStatus `json:"status"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// ExecutionStatus is a snapshot of an execution for querying.
type ExecutionStatus struct {
	ExecutionID     string                       `json:"execution_id"`
	WorkflowID      string                       `json:"workflow_id"`
	Status          schema.ExecutionStatus       `json:"status"`
	Error           string                       `json:"error,omitempty"`
	ErrorNodeID     string                       `json:"error_node_id,omitempty"`
	Trigger         string                       `json:"trigger,omitempty"`
	Nodes           map[string]schema.NodeStatus `json:"nodes"`
	PendingApproval *schema.ApprovalData         `json:"pending_approval,omitempty"`
	CreatedAt       time.Time                    `json:"created_at"`
	StartedAt       *time.Time                   `json:"started_at,omitempty"`
	CompletedAt     *time.Time                   `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// ExecutionResults carries the final output and every completed node output.
type ExecutionResults struct {
	ExecutionID string                     `json:"execution_id"`
	Status      schema.ExecutionStatus     `json:"status"`
	Output      json.RawMessage            `json:"output,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Nodes       map[string]json.RawMessage `json:"nodes"`
}

// DefaultNodeTimeout bounds one executor call when the node sets no timeout.
const DefaultNodeTimeout = 30 * time.Second

// Config holds configuration for the executor.
type Config struct {
	NodeTimeout      time.Duration // per-call timeout (default 30s)
	BatchConcurrency int           // per-record fan-out width (default 5)
	RetryBaseScale   float64       // multiplies every backoff delay; 0 means 1
	// Validator checks definitions before a run and trigger input against
	// its inputSchema. Nil keeps the structural checks of ParseDAG only.
	Validator validation.Validator
	Logger    *slog.Logger
	// Sleep waits between retry attempts; defaults to WaitForBackoff.
	Sleep func(ctx context.Context, d time.Duration) error
}

// StartOption customizes StartExecution.
type StartOption func(*startOptions)

type startOptions struct {
	trigger string
}

// WithTrigger records what launched the execution (api, ui, schedule, cli).
func WithTrigger(source string) StartOption {
	return func(o *startOptions) { o.trigger = source }
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store    store.Store
	registry *nodes.Registry
	execFSM  *ExecutionFSM
	nodeFSM  *NodeFSM
	notifier notify.Notifier
	config   Config
	logger   *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]*executionRun
	wg      sync.WaitGroup
}

// executionRun tracks one in-flight walker pass.
type executionRun struct {
	cancelRequested atomic.Bool
}

// NewExecutor creates a new Executor with the given dependencies. notifier
// may be nil.
func NewExecutor(s store.Store, registry *nodes.Registry, notifier notify.Notifier, cfg Config) Executor {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.RetryBaseScale <= 0 {
		cfg.RetryBaseScale = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = WaitForBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &executorImpl{
		store:    s,
		registry: registry,
		execFSM:  NewExecutionFSM(notifier),
		nodeFSM:  NewNodeFSM(notifier),
		notifier: notifier,
		config:   cfg,
		logger:   cfg.Logger,
		running:  make(map[string]*executionRun),
	}
}

// StartExecution loads the live workflow and launches it asynchronously.
func (e *executorImpl) StartExecution(ctx context.Context, workflowID string, input map[string]any, opts ...StartOption) (string, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.trigger == "" {
		o.trigger = "api"
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !wf.Active {
		return "", schema.NewErrorf(schema.ErrCodeInvalidState, "workflow %s is inactive", workflowID)
	}

	dag, err := e.prepare(&wf.Definition, input)
	if err != nil {
		return "", err
	}

	exec, err := e.createExecution(ctx, &wf.Definition, workflowID, input, o.trigger)
	if err != nil {
		return "", err
	}

	run := e.register(exec.ID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregister(exec.ID, run)

		bg := logging.WithIDs(context.WithoutCancel(ctx), exec.ID, workflowID)
		if _, err := e.execute(bg, exec, dag, run); err != nil {
			logging.LogWith(bg, e.logger).Error("execution aborted", "error", err)
		}
	}()

	return exec.ID, nil
}

// Run executes def synchronously.
func (e *executorImpl) Run(ctx context.Context, def *schema.WorkflowDefinition, workflowID string, input map[string]any) (*ExecutionResult, error) {
	dag, err := e.prepare(def, input)
	if err != nil {
		return nil, err
	}

	exec, err := e.createExecution(ctx, def, workflowID, input, "cli")
	if err != nil {
		return nil, err
	}

	run := e.register(exec.ID)
	defer e.unregister(exec.ID, run)

	ctx = logging.WithIDs(ctx, exec.ID, workflowID)
	return e.execute(ctx, exec, dag, run)
}

// Approve resumes a pending_approval execution. The resumed walk runs on
// the caller's goroutine and is counted by Wait.
func (e *executorImpl) Approve(ctx context.Context, executionID, comment string) (*ExecutionResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPendingApproval || exec.ApprovalData == nil {
		return nil, invalidState(exec, "approve")
	}
	dag, err := ParseDAG(&exec.Snapshot)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID)
	w, err := e.restoreWalk(ctx, exec, dag)
	if err != nil {
		return nil, err
	}
	approvalID := exec.ApprovalData.NodeID
	rows, err := e.approvedRows(ctx, exec, approvalID)
	if err != nil {
		return nil, err
	}

	// The walker is claimed while still suspended so a Cancel racing the
	// resume always finds it.
	run, ok := e.claim(exec.ID)
	if !ok {
		return nil, invalidState(exec, "approve")
	}
	defer e.unregister(exec.ID, run)
	w.run = run
	e.wg.Add(1)
	defer e.wg.Done()

	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		From:          []schema.ExecutionStatus{schema.ExecutionPendingApproval},
		Status:        &running,
		ClearApproval: true,
	}); err != nil {
		if run.cancelRequested.Load() {
			if cerr := e.closeSuspended(ctx, exec, "cancelled"); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
		}
		return nil, err
	}
	w.exec.Status = running

	if err := e.execFSM.Transition(ctx, w.ref, schema.ExecutionPendingApproval, schema.ExecutionRunning,
		map[string]any{"nodeId": approvalID, "comment": comment}); err != nil {
		return nil, err
	}

	output := map[string]any{
		"approved": true,
		"comment":  comment,
		"rows":     rows,
	}
	if err := e.resolveApproval(ctx, w, approvalID, schema.NodeCompleted, output, ""); err != nil {
		return nil, err
	}
	return e.walk(ctx, w)
}

// approvedRows is every row the approval node received. The review bundle
// may show fewer.
func (e *executorImpl) approvedRows(ctx context.Context, exec *store.Execution, nodeID string) ([]map[string]any, error) {
	ne, err := e.store.GetNodeExecution(ctx, exec.ID, nodeID)
	if err != nil {
		return nil, err
	}
	if len(ne.Input) == 0 {
		return exec.ApprovalData.Rows, nil
	}
	var upstream any
	if err := json.Unmarshal(ne.Input, &upstream); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "cannot restore input of approval node %s", nodeID).WithCause(err)
	}
	return nodes.ApprovalRows(upstream), nil
}

// Reject cancels a pending_approval execution.
func (e *executorImpl) Reject(ctx context.Context, executionID, comment string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionPendingApproval || exec.ApprovalData == nil {
		return invalidState(exec, "reject")
	}

	reason := "rejected: " + comment
	if err := e.closeSuspended(ctx, exec, reason); err != nil {
		return err
	}
	return nil
}

// Cancel stops an execution. Pending and suspended executions move to
// cancelled at once; running ones at the next node boundary.
func (e *executorImpl) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case schema.ExecutionPendingApproval:
		// An Approve in flight owns the execution and stops at the flag.
		if e.flag(executionID) {
			return nil
		}
		return e.closeSuspended(ctx, exec, "cancelled")

	case schema.ExecutionPending:
		if err := e.finishWithoutRun(ctx, exec, schema.ExecutionCancelled, "cancelled"); err != nil {
			return err
		}
		return nil

	case schema.ExecutionRunning:
		if e.flag(executionID) {
			return nil
		}
		// No walker in this process owns it, so nothing will observe a flag.
		return e.finishWithoutRun(ctx, exec, schema.ExecutionCancelled, "cancelled")

	default:
		return invalidState(exec, "cancel")
	}
}

// GetStatus returns the current state of an execution.
func (e *executorImpl) GetStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	st := &ExecutionStatus{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Error:       exec.Error,
		ErrorNodeID: exec.ErrorNodeID,
		Trigger:     exec.Trigger,
		Nodes:       make(map[string]schema.NodeStatus, len(recs)),
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		UpdatedAt:   exec.UpdatedAt,
	}
	for _, r := range recs {
		st.Nodes[r.NodeID] = r.Status
	}
	if exec.Status == schema.ExecutionPendingApproval {
		st.PendingApproval = exec.ApprovalData
	}
	return st, nil
}

// GetResults returns the execution output and the output of every
// completed node.
func (e *executorImpl) GetResults(ctx context.Context, executionID string) (*ExecutionResults, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	res := &ExecutionResults{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Output:      exec.Output,
		Error:       exec.Error,
		Nodes:       make(map[string]json.RawMessage, len(recs)),
	}
	for _, r := range recs {
		if r.Status == schema.NodeCompleted {
			res.Nodes[r.NodeID] = r.Output
		}
	}
	return res, nil
}

// GetPendingApproval returns the review bundle of a suspended execution.
func (e *executorImpl) GetPendingApproval(ctx context.Context, executionID string) (*schema.ApprovalData, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionPendingApproval || exec.ApprovalData == nil {
		return nil, invalidState(exec, "read pending approval of")
	}
	return exec.ApprovalData, nil
}

// ListNodeExecutions returns the node records of an execution.
func (e *executorImpl) ListNodeExecutions(ctx context.Context, executionID string) ([]*store.NodeExecution, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListNodeExecutions(ctx, executionID)
}

// Wait blocks until every background execution and every walk resumed
// by Approve has returned.
func (e *executorImpl) Wait() {
	e.wg.Wait()
}

// --- helpers ---

// prepare validates def and the caller input, and parses the graph.
func (e *executorImpl) prepare(def *schema.WorkflowDefinition, input map[string]any) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if e.config.Validator != nil {
		if err := e.config.Validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}
	if e.config.Validator != nil {
		for _, id := range dag.Entries {
			tc, ok := dag.Configs[id].(*schema.TriggerConfig)
			if !ok || len(tc.InputSchema) == 0 {
				continue
			}
			if err := e.config.Validator.ValidateInput(tc.InputSchema, input); err != nil {
				return nil, err
			}
		}
	}
	return dag, nil
}

func (e *executorImpl) createExecution(ctx context.Context, def *schema.WorkflowDefinition, workflowID string, input map[string]any, trigger string) (*store.Execution, error) {
	if input == nil {
		input = map[string]any{}
	}
	snapshot, err := cloneDefinition(def)
	if err != nil {
		return nil, err
	}
	exec := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionPending,
		Snapshot:   *snapshot,
		Input:      input,
		Trigger:    trigger,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// execute moves a pending execution to running and walks it.
func (e *executorImpl) execute(ctx context.Context, exec *store.Execution, dag *DAG, run *executionRun) (*ExecutionResult, error) {
	now := time.Now().UTC()
	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		From:      []schema.ExecutionStatus{schema.ExecutionPending},
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, err
	}
	exec.Status = running
	exec.StartedAt = &now

	w := newWalk(exec, dag, expressions.NewScope(exec.Input), run)
	if err := e.execFSM.Transition(ctx, w.ref, schema.ExecutionPending, schema.ExecutionRunning,
		map[string]any{"trigger": exec.Trigger}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("execution started", "nodes", len(dag.Sorted))
	return e.walk(ctx, w)
}

// closeSuspended cancels a pending_approval execution and fails its
// approval node.
func (e *executorImpl) closeSuspended(ctx context.Context, exec *store.Execution, reason string) error {
	now := time.Now().UTC()
	cancelled := schema.ExecutionCancelled
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		From:        []schema.ExecutionStatus{schema.ExecutionPendingApproval},
		Status:      &cancelled,
		Error:       &reason,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	ref := Ref{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID}
	if exec.ApprovalData != nil {
		nodeID := exec.ApprovalData.NodeID
		if ne, err := e.store.GetNodeExecution(ctx, exec.ID, nodeID); err == nil {
			ne.Status = schema.NodeFailed
			ne.Error = reason
			ne.CompletedAt = &now
			if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
				return err
			}
			_ = e.nodeFSM.Transition(ctx, ref, nodeID, schema.NodeRunning, schema.NodeFailed, map[string]any{"error": reason})
		}
	}
	return e.execFSM.Transition(ctx, ref, schema.ExecutionPendingApproval, schema.ExecutionCancelled,
		map[string]any{"reason": reason})
}

// finishWithoutRun moves an execution nobody is walking to a terminal state.
func (e *executorImpl) finishWithoutRun(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, reason string) error {
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		From:        []schema.ExecutionStatus{exec.Status},
		Status:      &to,
		Error:       &reason,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	ref := Ref{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID}
	return e.execFSM.Transition(ctx, ref, exec.Status, to, map[string]any{"reason": reason})
}

func (e *executorImpl) register(executionID string) *executionRun {
	run := &executionRun{}
	e.mu.Lock()
	e.running[executionID] = run
	e.mu.Unlock()
	return run
}

// claim registers a walker unless one is already active for executionID.
func (e *executorImpl) claim(executionID string) (*executionRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[executionID]; busy {
		return nil, false
	}
	run := &executionRun{}
	e.running[executionID] = run
	return run, true
}

// unregister drops run, leaving a newer walker for the same id in place.
func (e *executorImpl) unregister(executionID string, run *executionRun) {
	e.mu.Lock()
	if e.running[executionID] == run {
		delete(e.running, executionID)
	}
	e.mu.Unlock()
}

// flag asks the active walker of executionID to stop at the next node
// boundary. It reports whether one was found.
func (e *executorImpl) flag(executionID string) bool {
	e.mu.Lock()
	run, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		run.cancelRequested.Store(true)
	}
	return ok
}

func invalidState(exec *store.Execution, op string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidState, "cannot %s execution %s in status %s", op, exec.ID, exec.Status).
		WithDetails(map[string]any{"status": string(exec.Status)})
}

// cloneDefinition deep-copies def so a later edit cannot reach the run.
func cloneDefinition(def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot snapshot workflow definition").WithCause(err)
	}
	var out schema.WorkflowDefinition
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot snapshot workflow definition").WithCause(err)
	}
	return &out, nil
}

// marshalValue renders v for persistence. Unmarshalable values are stored
// as their error message so the record is never lost.
func marshalValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"unserializable": err.Error()})
	}
	return b
}
