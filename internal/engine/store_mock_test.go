package engine

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// memStore is an in-memory store.Store covering what the executor touches.
// Methods it does not override panic through the nil embedded interface.
type memStore struct {
	store.Store

	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	nodeExecs  map[string]map[string]*store.NodeExecution
	order      map[string][]string

	// afterUpsert, when set, sees every node record once it is stored.
	afterUpsert func(ne *store.NodeExecution)
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[string]*store.Workflow),
		executions: make(map[string]*store.Execution),
		nodeExecs:  make(map[string]map[string]*store.NodeExecution),
		order:      make(map[string][]string),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) CreateExecution(_ context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	cp.UpdatedAt = time.Now().UTC()
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if len(u.From) > 0 && !slices.Contains(u.From, exec.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidState, "execution %s is %s", id, exec.Status)
	}
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if u.Output != nil {
		exec.Output = u.Output
	}
	if u.Error != nil {
		exec.Error = *u.Error
	}
	if u.ErrorNodeID != nil {
		exec.ErrorNodeID = *u.ErrorNodeID
	}
	if u.ClearApproval {
		exec.ApprovalData = nil
	} else if u.ApprovalData != nil {
		exec.ApprovalData = u.ApprovalData
	}
	if u.StartedAt != nil {
		exec.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		exec.CompletedAt = u.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) UpsertNodeExecution(_ context.Context, ne *store.NodeExecution) error {
	m.mu.Lock()
	recs, ok := m.nodeExecs[ne.ExecutionID]
	if !ok {
		recs = make(map[string]*store.NodeExecution)
		m.nodeExecs[ne.ExecutionID] = recs
	}
	if _, exists := recs[ne.NodeID]; !exists {
		m.order[ne.ExecutionID] = append(m.order[ne.ExecutionID], ne.NodeID)
	}
	cp := *ne
	recs[ne.NodeID] = &cp
	m.mu.Unlock()

	if m.afterUpsert != nil {
		m.afterUpsert(&cp)
	}
	return nil
}

func (m *memStore) GetNodeExecution(_ context.Context, executionID, nodeID string) (*store.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.nodeExecs[executionID][nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node execution %q not found", executionID+"/"+nodeID)
	}
	cp := *ne
	return &cp, nil
}

func (m *memStore) ListNodeExecutions(_ context.Context, executionID string) ([]*store.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.NodeExecution, 0, len(m.order[executionID]))
	for _, id := range m.order[executionID] {
		cp := *m.nodeExecs[executionID][id]
		out = append(out, &cp)
	}
	return out, nil
}

// executionIDs returns the IDs of every stored execution, sorted.
func (m *memStore) executionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.executions))
	for id := range m.executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// nodeRecord returns a copy of one node record, or nil.
func (m *memStore) nodeRecord(executionID, nodeID string) *store.NodeExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.nodeExecs[executionID][nodeID]
	if !ok {
		return nil
	}
	cp := *ne
	return &cp
}
