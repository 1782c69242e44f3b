package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows map[string]*store.Workflow
}

func newMockStore(workflows ...*store.Workflow) *mockStore {
	m := &mockStore{workflows: make(map[string]*store.Workflow)}
	for _, wf := range workflows {
		m.workflows[wf.ID] = wf
	}
	return m
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	if wf, ok := m.workflows[id]; ok {
		return wf, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
}

// --- Mock Executor ---

type mockExecutor struct {
	engine.Executor // embed for unimplemented methods

	startID   string
	startErr  error
	started   []map[string]any
	runResult *engine.ExecutionResult
	runErr    error
	ranDef    *schema.WorkflowDefinition

	status    *engine.ExecutionStatus
	statusErr error
	results   *engine.ExecutionResults

	approveResult *engine.ExecutionResult
	approveErr    error
	comments      []string
	rejectErr     error
	cancelErr     error
	cancelled     []string
}

func (m *mockExecutor) StartExecution(_ context.Context, _ string, input map[string]any, _ ...engine.StartOption) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, input)
	return m.startID, nil
}

func (m *mockExecutor) Run(_ context.Context, def *schema.WorkflowDefinition, _ string, _ map[string]any) (*engine.ExecutionResult, error) {
	m.ranDef = def
	return m.runResult, m.runErr
}

func (m *mockExecutor) GetStatus(_ context.Context, _ string) (*engine.ExecutionStatus, error) {
	return m.status, m.statusErr
}

func (m *mockExecutor) GetResults(_ context.Context, _ string) (*engine.ExecutionResults, error) {
	return m.results, nil
}

func (m *mockExecutor) Approve(_ context.Context, _ string, comment string) (*engine.ExecutionResult, error) {
	m.comments = append(m.comments, comment)
	return m.approveResult, m.approveErr
}

func (m *mockExecutor) Reject(_ context.Context, _ string, comment string) error {
	m.comments = append(m.comments, comment)
	return m.rejectErr
}

func (m *mockExecutor) Cancel(_ context.Context, id string) error {
	m.cancelled = append(m.cancelled, id)
	return m.cancelErr
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

// --- Tests ---

func TestRunTool_Background(t *testing.T) {
	exec := &mockExecutor{startID: "exec-1"}
	s := NewServer(ServerDeps{Executor: exec, Store: newMockStore()})

	req := buildRequest("flowpilot.run", map[string]any{
		"workflow_id": "wf-1",
		"input":       map[string]any{"name": "Ada"},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := resultJSON(t, result)
	assert.Equal(t, "exec-1", out["execution_id"])
	assert.Equal(t, string(schema.ExecutionPending), out["status"])
	require.Len(t, exec.started, 1)
	assert.Equal(t, "Ada", exec.started[0]["name"])
}

func TestRunTool_Wait(t *testing.T) {
	wf := &store.Workflow{
		ID:     "wf-1",
		Active: true,
		Definition: schema.WorkflowDefinition{
			Nodes: []schema.Node{{ID: "t", Type: schema.NodeTypeTrigger}},
		},
	}
	exec := &mockExecutor{runResult: &engine.ExecutionResult{ExecutionID: "exec-9", Status: schema.ExecutionCompleted}}
	s := NewServer(ServerDeps{Executor: exec, Store: newMockStore(wf)})

	result, err := s.handleRun(context.Background(), buildRequest("flowpilot.run", map[string]any{
		"workflow_id": "wf-1",
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "completed", resultJSON(t, result)["status"])
	require.NotNil(t, exec.ranDef)
	assert.Equal(t, "t", exec.ranDef.Nodes[0].ID)
}

func TestRunTool_Errors(t *testing.T) {
	inactive := &store.Workflow{ID: "wf-off"}
	tests := []struct {
		name string
		exec *mockExecutor
		args map[string]any
		want string
	}{
		{"missing workflow_id", &mockExecutor{}, map[string]any{}, "workflow_id is required"},
		{"start refused", &mockExecutor{startErr: schema.NewError(schema.ErrCodeNotFound, "workflow x not found")},
			map[string]any{"workflow_id": "x"}, "NOT_FOUND"},
		{"wait on unknown workflow", &mockExecutor{}, map[string]any{"workflow_id": "nope", "wait": true}, "workflow lookup failed"},
		{"wait on inactive workflow", &mockExecutor{}, map[string]any{"workflow_id": "wf-off", "wait": true}, "inactive"},
		{"run failure", &mockExecutor{runErr: errors.New("boom")}, map[string]any{"workflow_id": "wf-on", "wait": true}, "boom"},
	}
	active := &store.Workflow{ID: "wf-on", Active: true}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(ServerDeps{Executor: tt.exec, Store: newMockStore(inactive, active)})
			result, err := s.handleRun(context.Background(), buildRequest("flowpilot.run", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestStatusTool(t *testing.T) {
	exec := &mockExecutor{
		status: &engine.ExecutionStatus{
			ExecutionID: "exec-1",
			Status:      schema.ExecutionRunning,
			Nodes:       map[string]schema.NodeStatus{"t": schema.NodeCompleted},
		},
		results: &engine.ExecutionResults{ExecutionID: "exec-1", Status: schema.ExecutionRunning},
	}
	s := NewServer(ServerDeps{Executor: exec})

	result, err := s.handleStatus(context.Background(), buildRequest("flowpilot.status", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "running", resultJSON(t, result)["status"])

	result, err = s.handleStatus(context.Background(), buildRequest("flowpilot.status", map[string]any{
		"execution_id":    "exec-1",
		"include_results": true,
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Contains(t, out, "status")
	assert.Contains(t, out, "results")

	exec.statusErr = schema.NewError(schema.ErrCodeNotFound, "execution nope not found")
	result, err = s.handleStatus(context.Background(), buildRequest("flowpilot.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("flowpilot.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestApproveTool(t *testing.T) {
	exec := &mockExecutor{approveResult: &engine.ExecutionResult{ExecutionID: "exec-1", Status: schema.ExecutionCompleted}}
	s := NewServer(ServerDeps{Executor: exec})

	result, err := s.handleApprove(context.Background(), buildRequest("flowpilot.approve", map[string]any{
		"execution_id": "exec-1",
		"comment":      "looks good",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "completed", resultJSON(t, result)["status"])
	assert.Equal(t, []string{"looks good"}, exec.comments)

	exec.approveErr = schema.NewError(schema.ErrCodeInvalidState, "cannot approve execution in status completed")
	result, err = s.handleApprove(context.Background(), buildRequest("flowpilot.approve", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "INVALID_STATE")
}

func TestRejectTool(t *testing.T) {
	exec := &mockExecutor{}
	s := NewServer(ServerDeps{Executor: exec})

	result, err := s.handleReject(context.Background(), buildRequest("flowpilot.reject", map[string]any{
		"execution_id": "exec-1",
		"comment":      "wrong list",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "cancelled", resultJSON(t, result)["status"])
	assert.Equal(t, []string{"wrong list"}, exec.comments)

	exec.rejectErr = schema.NewError(schema.ErrCodeInvalidState, "not pending approval")
	result, err = s.handleReject(context.Background(), buildRequest("flowpilot.reject", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	exec := &mockExecutor{}
	s := NewServer(ServerDeps{Executor: exec})

	result, err := s.handleCancel(context.Background(), buildRequest("flowpilot.cancel", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"exec-1"}, exec.cancelled)

	result, err = s.handleCancel(context.Background(), buildRequest("flowpilot.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Len(t, exec.cancelled, 1)
}
