package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// walk is the state of one walker pass over an execution.
type walk struct {
	exec   *store.Execution
	ref    Ref
	dag    *DAG
	scope  *expressions.Scope
	status map[string]schema.NodeStatus
	run    *executionRun
	nodes  map[string]*NodeResult
}

func newWalk(exec *store.Execution, dag *DAG, scope *expressions.Scope, run *executionRun) *walk {
	return &walk{
		exec:   exec,
		ref:    Ref{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID},
		dag:    dag,
		scope:  scope,
		status: make(map[string]schema.NodeStatus, len(dag.Nodes)),
		run:    run,
		nodes:  make(map[string]*NodeResult, len(dag.Nodes)),
	}
}

// restoreWalk rebuilds the walker state of a suspended execution from its
// persisted node records.
func (e *executorImpl) restoreWalk(ctx context.Context, exec *store.Execution, dag *DAG) (*walk, error) {
	recs, err := e.store.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	w := newWalk(exec, dag, expressions.NewScope(exec.Input), nil)
	for _, r := range recs {
		w.status[r.NodeID] = r.Status
		if r.Status != schema.NodeCompleted {
			continue
		}
		if err := w.scope.SetRawOutput(r.NodeID, r.Output); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// walk dispatches the nodes in topological order. A node runs when it is an
// entry node or at least one of its incoming edges is live.
func (e *executorImpl) walk(ctx context.Context, w *walk) (*ExecutionResult, error) {
	for _, id := range w.dag.Sorted {
		if w.status[id] == schema.NodeCompleted {
			continue
		}
		if !w.dag.IsEntry(id) && !w.hasLiveInput(id) {
			continue
		}

		if w.run != nil && w.run.cancelRequested.Load() {
			return e.finish(ctx, w, schema.ExecutionCancelled, "cancelled", "")
		}
		if ctx.Err() != nil {
			return e.finish(ctx, w, schema.ExecutionCancelled, "cancelled: "+ctx.Err().Error(), "")
		}

		node := w.dag.Nodes[id]
		input := w.upstreamInput(id)
		if node.Type == schema.NodeTypeManualApproval {
			return e.suspend(ctx, w, node, input)
		}
		if err := e.runNode(ctx, w, node, input); err != nil {
			return e.finish(ctx, w, schema.ExecutionFailed, err.Error(), id)
		}
	}
	return e.finish(ctx, w, schema.ExecutionCompleted, "", "")
}

// edgeLive reports whether e carries data: its source completed and, for a
// conditional source, the handle matches the evaluated branch.
func (w *walk) edgeLive(e schema.Edge) bool {
	if w.status[e.Source] != schema.NodeCompleted {
		return false
	}
	if w.dag.Nodes[e.Source].Type != schema.NodeTypeConditional {
		return true
	}
	out, _ := w.scope.Output(e.Source)
	want := schema.HandleFalse
	if nodes.BranchResult(out) {
		want = schema.HandleTrue
	}
	return e.SourceHandle == want
}

func (w *walk) hasLiveInput(id string) bool {
	for _, e := range w.dag.Incoming[id] {
		if w.edgeLive(e) {
			return true
		}
	}
	return false
}

// upstreamInput is the caller input for entry nodes, the output of the only
// live source, or a {sourceID: output} map when several sources are live.
// A conditional passes its own upstream value through.
func (w *walk) upstreamInput(id string) any {
	if w.dag.IsEntry(id) {
		return w.scope.Input()
	}
	var sources []string
	seen := make(map[string]bool)
	for _, e := range w.dag.Incoming[id] {
		if w.edgeLive(e) && !seen[e.Source] {
			seen[e.Source] = true
			sources = append(sources, e.Source)
		}
	}
	if len(sources) == 1 {
		return w.sourceValue(sources[0])
	}
	merged := make(map[string]any, len(sources))
	for _, src := range sources {
		merged[src] = w.sourceValue(src)
	}
	return merged
}

func (w *walk) sourceValue(id string) any {
	if w.dag.Nodes[id].Type == schema.NodeTypeConditional {
		return w.upstreamInput(id)
	}
	out, _ := w.scope.Output(id)
	return out
}

// runNode executes one node with retries and records the outcome. The
// returned error fails the execution.
func (e *executorImpl) runNode(ctx context.Context, w *walk, node *schema.Node, input any) error {
	ctx = logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(ctx, e.logger)
	cfg := w.dag.Configs[node.ID]

	started := time.Now().UTC()
	ne := &store.NodeExecution{
		ExecutionID: w.exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      schema.NodeRunning,
		Input:       marshalValue(input),
		StartedAt:   &started,
	}
	if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	if err := e.nodeFSM.Transition(ctx, w.ref, node.ID, schema.NodePending, schema.NodeRunning,
		map[string]any{"type": string(node.Type)}); err != nil {
		return err
	}
	w.status[node.ID] = schema.NodeRunning

	var (
		out      any
		attempts int
		runErr   error
	)
	exec, err := e.registry.Get(node.Type)
	if err != nil {
		runErr = err
	} else if records, ok := nodes.ExtractBatch(input); ok && nodes.IsPerRecord(exec, cfg) {
		out, attempts, runErr = e.runBatch(ctx, w, node, exec, cfg, records)
	} else {
		out, attempts, runErr = e.invokeWithRetry(ctx, w, node, exec, cfg, input, w.scope, -1,
			&recordObserver{e: e, w: w, ne: ne})
	}

	done := time.Now().UTC()
	ne.Attempts = attempts
	ne.CompletedAt = &done
	ne.DurationMs = done.Sub(started).Milliseconds()

	if runErr != nil {
		from := ne.Status
		ne.Status = schema.NodeFailed
		ne.Error = runErr.Error()
		w.status[node.ID] = schema.NodeFailed
		w.nodes[node.ID] = nodeResult(ne)
		if err := e.store.UpsertNodeExecution(context.WithoutCancel(ctx), ne); err != nil {
			return err
		}
		_ = e.nodeFSM.Transition(ctx, w.ref, node.ID, from, schema.NodeFailed,
			map[string]any{"error": ne.Error, "attempts": attempts})
		log.Warn("node failed", "type", node.Type, "attempts", attempts, "error", runErr)
		return runErr
	}

	ne.Status = schema.NodeCompleted
	ne.Output = marshalValue(out)
	ne.Error = ""
	if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	w.scope.SetOutput(node.ID, out)
	w.status[node.ID] = schema.NodeCompleted
	w.nodes[node.ID] = nodeResult(ne)
	if err := e.nodeFSM.Transition(ctx, w.ref, node.ID, schema.NodeRunning, schema.NodeCompleted,
		map[string]any{"attempts": attempts, "durationMs": ne.DurationMs}); err != nil {
		return err
	}
	log.Debug("node completed", "type", node.Type, "attempts", attempts, "duration_ms", ne.DurationMs)
	return nil
}

// retryObserver is told about attempts that will be retried.
type retryObserver interface {
	retrying(ctx context.Context, attempt int, err error, delay time.Duration) error
	resumed(ctx context.Context) error
}

// recordObserver moves the node record through retrying and back to running.
type recordObserver struct {
	e  *executorImpl
	w  *walk
	ne *store.NodeExecution
}

func (o *recordObserver) retrying(ctx context.Context, attempt int, err error, delay time.Duration) error {
	o.ne.Status = schema.NodeRetrying
	o.ne.Attempts = attempt
	o.ne.Error = err.Error()
	if serr := o.e.store.UpsertNodeExecution(ctx, o.ne); serr != nil {
		return serr
	}
	return o.e.nodeFSM.Transition(ctx, o.w.ref, o.ne.NodeID, schema.NodeRunning, schema.NodeRetrying,
		map[string]any{"attempt": attempt, "delayMs": delay.Milliseconds(), "error": o.ne.Error})
}

func (o *recordObserver) resumed(ctx context.Context) error {
	if err := o.e.nodeFSM.Transition(ctx, o.w.ref, o.ne.NodeID, schema.NodeRetrying, schema.NodeRunning, nil); err != nil {
		return err
	}
	o.ne.Status = schema.NodeRunning
	return o.e.store.UpsertNodeExecution(ctx, o.ne)
}

// invokeWithRetry calls the executor until it succeeds or the retry policy
// gives up. It returns the output, the number of attempts made and the last
// error.
func (e *executorImpl) invokeWithRetry(ctx context.Context, w *walk, node *schema.Node, exec nodes.Executor,
	cfg schema.NodeConfig, input any, scope *expressions.Scope, index int, obs retryObserver) (any, int, error) {
	policy := PolicyFor(node.Type, cfg.Options().Retry)

	for attempt := 1; ; attempt++ {
		out, err := e.invoke(ctx, w, node, exec, cfg, input, scope, index, attempt)
		if err == nil {
			return out, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, err
		}

		dec := policy.ShouldRetry(attempt, err)
		if !dec.Retry {
			return nil, attempt, err
		}
		delay := time.Duration(float64(dec.Delay) * e.config.RetryBaseScale)
		logging.LogWith(ctx, e.logger).Info("retrying node",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "index", index, "error", err)

		if obs != nil {
			if oerr := obs.retrying(ctx, attempt, err, delay); oerr != nil {
				return nil, attempt, oerr
			}
		}
		if werr := e.config.Sleep(ctx, delay); werr != nil {
			return nil, attempt, err
		}
		if obs != nil {
			if oerr := obs.resumed(ctx); oerr != nil {
				return nil, attempt, oerr
			}
		}
	}
}

// invoke performs a single executor call under the per-call timeout.
func (e *executorImpl) invoke(ctx context.Context, w *walk, node *schema.Node, exec nodes.Executor,
	cfg schema.NodeConfig, input any, scope *expressions.Scope, index, attempt int) (out any, err error) {
	timeout := e.config.NodeTimeout
	if t := cfg.Options().TimeoutDuration(); t > 0 {
		timeout = t
	}
	if dc, ok := cfg.(*schema.DelayConfig); ok && cfg.Options().TimeoutDuration() == 0 {
		timeout += time.Duration(dc.DurationMs) * time.Millisecond
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewNodeError(schema.KindValidation, "%s executor panicked: %v", node.Type, r)
		}
	}()

	out, err = exec.Execute(callCtx, nodes.Request{
		Node:        node,
		Config:      cfg,
		Input:       input,
		Scope:       scope,
		ExecutionID: w.exec.ID,
		WorkflowID:  w.exec.WorkflowID,
		Attempt:     attempt,
		Index:       index,
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if schema.KindOf(err) != schema.KindTimeout {
			err = schema.NewNodeError(schema.KindTimeout, "%s node timed out after %s", node.Type, timeout).WithCause(err)
		}
	}
	return out, err
}

// suspend parks the execution at a manual-approval node.
func (e *executorImpl) suspend(ctx context.Context, w *walk, node *schema.Node, input any) (*ExecutionResult, error) {
	cfg, _ := w.dag.Configs[node.ID].(*schema.ApprovalConfig)
	data := nodes.BuildApprovalData(node, cfg, input, time.Now())

	started := time.Now().UTC()
	ne := &store.NodeExecution{
		ExecutionID: w.exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      schema.NodeRunning,
		Input:       marshalValue(input),
		Attempts:    1,
		StartedAt:   &started,
	}
	if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
		return nil, err
	}
	if err := e.nodeFSM.Transition(ctx, w.ref, node.ID, schema.NodePending, schema.NodeRunning,
		map[string]any{"type": string(node.Type)}); err != nil {
		return nil, err
	}
	w.status[node.ID] = schema.NodeRunning

	suspended := schema.ExecutionPendingApproval
	if err := e.store.UpdateExecution(ctx, w.exec.ID, store.ExecutionUpdate{
		From:         []schema.ExecutionStatus{schema.ExecutionRunning},
		Status:       &suspended,
		ApprovalData: data,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeInvalidState) {
			return e.superseded(context.WithoutCancel(ctx), w)
		}
		return nil, err
	}
	if err := e.execFSM.Transition(ctx, w.ref, schema.ExecutionRunning, schema.ExecutionPendingApproval,
		map[string]any{"nodeId": node.ID, "rows": len(data.Rows), "title": data.Title}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("execution awaiting approval", "node_id", node.ID, "rows", len(data.Rows))

	res := w.result(schema.ExecutionPendingApproval)
	res.ApprovalData = data
	return res, nil
}

// resolveApproval closes the approval node record of a resumed execution.
func (e *executorImpl) resolveApproval(ctx context.Context, w *walk, nodeID string, to schema.NodeStatus, output any, reason string) error {
	ne, err := e.store.GetNodeExecution(ctx, w.exec.ID, nodeID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ne.Status = to
	ne.CompletedAt = &now
	if ne.StartedAt != nil {
		ne.DurationMs = now.Sub(*ne.StartedAt).Milliseconds()
	}
	ne.Output = marshalValue(output)
	ne.Error = reason
	if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	if to == schema.NodeCompleted {
		w.scope.SetOutput(nodeID, output)
	}
	w.status[nodeID] = to
	w.nodes[nodeID] = nodeResult(ne)
	return e.nodeFSM.Transition(ctx, w.ref, nodeID, schema.NodeRunning, to, nil)
}

// finish moves the execution to a terminal status and builds the result.
func (e *executorImpl) finish(ctx context.Context, w *walk, to schema.ExecutionStatus, reason, nodeID string) (*ExecutionResult, error) {
	pctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		From:        []schema.ExecutionStatus{schema.ExecutionRunning},
		Status:      &to,
		CompletedAt: &now,
	}
	res := w.result(to)
	res.CompletedAt = &now

	payload := map[string]any{}
	switch to {
	case schema.ExecutionCompleted:
		output := marshalValue(w.finalOutput())
		update.Output = output
		res.Output = output
	default:
		update.Error = &reason
		res.Error = reason
		payload["error"] = reason
		if nodeID != "" {
			update.ErrorNodeID = &nodeID
			res.ErrorNodeID = nodeID
			payload["nodeId"] = nodeID
		}
	}

	if err := e.store.UpdateExecution(pctx, w.exec.ID, update); err != nil {
		if schema.HasCode(err, schema.ErrCodeInvalidState) {
			return e.superseded(pctx, w)
		}
		return nil, err
	}
	if err := e.execFSM.Transition(pctx, w.ref, schema.ExecutionRunning, to, payload); err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, e.logger)
	if to == schema.ExecutionCompleted {
		log.Info("execution completed", "nodes_run", len(w.nodes))
	} else {
		log.Warn("execution ended", "status", to, "error", reason)
	}
	return res, nil
}

// superseded reports an execution that left running under the walker,
// such as one cancelled while no walker was registered. Nothing more is
// dispatched or emitted.
func (e *executorImpl) superseded(ctx context.Context, w *walk) (*ExecutionResult, error) {
	cur, err := e.store.GetExecution(ctx, w.exec.ID)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Warn("execution closed by another caller", "status", cur.Status)
	res := w.result(cur.Status)
	res.Output = cur.Output
	res.Error = cur.Error
	res.ErrorNodeID = cur.ErrorNodeID
	res.CompletedAt = cur.CompletedAt
	return res, nil
}

// finalOutput is the output of the only terminal node that ran, or a
// {nodeID: output} map when several did. A node is terminal in this pass
// when none of its outgoing edges is live.
func (w *walk) finalOutput() any {
	var terminal []string
	for _, id := range w.dag.Sorted {
		if w.status[id] != schema.NodeCompleted {
			continue
		}
		live := false
		for _, e := range w.dag.Outgoing[id] {
			if w.edgeLive(e) {
				live = true
				break
			}
		}
		if !live {
			terminal = append(terminal, id)
		}
	}
	switch len(terminal) {
	case 0:
		return nil
	case 1:
		return w.sourceValue(terminal[0])
	}
	merged := make(map[string]any, len(terminal))
	for _, id := range terminal {
		merged[id] = w.sourceValue(id)
	}
	return merged
}

func (w *walk) result(status schema.ExecutionStatus) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID: w.exec.ID,
		WorkflowID:  w.exec.WorkflowID,
		Status:      status,
		StartedAt:   w.exec.StartedAt,
		Nodes:       w.nodes,
	}
}

func nodeResult(ne *store.NodeExecution) *NodeResult {
	return &NodeResult{
		NodeID:     ne.NodeID,
		Status:     ne.Status,
		Output:     ne.Output,
		Error:      ne.Error,
		Attempts:   ne.Attempts,
		DurationMs: ne.DurationMs,
	}
}

