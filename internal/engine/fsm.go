package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/notify"
	"github.com/rendis/flowpilot/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// Ref identifies the execution a transition belongs to.
type Ref struct {
	ExecutionID string
	WorkflowID  string
}

type hookKey[S ~string] struct{ from, to S }

// machine holds a transition table plus before/after hooks for one kind of
// status.
type machine[S ~string] struct {
	mu     sync.Mutex
	table  map[S][]S
	before map[hookKey[S]][]TransitionHook
	after  map[hookKey[S]][]TransitionHook
}

func newMachine[S ~string](table map[S][]S) *machine[S] {
	return &machine[S]{
		table:  table,
		before: make(map[hookKey[S]][]TransitionHook),
		after:  make(map[hookKey[S]][]TransitionHook),
	}
}

func (m *machine[S]) allowed(from, to S) bool {
	return slices.Contains(m.table[from], to)
}

func (m *machine[S]) onBefore(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.before[k] = append(m.before[k], hook)
}

func (m *machine[S]) onAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.after[k] = append(m.after[k], hook)
}

func (m *machine[S]) hooks(from, to S) (before, after []TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	return slices.Clone(m.before[k]), slices.Clone(m.after[k])
}

func runHooks(hooks []TransitionHook, from, to string) error {
	for _, hook := range hooks {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// --- Execution FSM ---

// ExecutionFSM validates execution lifecycle transitions and emits the
// matching event through the notifier. The caller persists the new status.
type ExecutionFSM struct {
	m        *machine[schema.ExecutionStatus]
	notifier notify.Notifier
}

// NewExecutionFSM creates an ExecutionFSM that emits events via notifier.
func NewExecutionFSM(notifier notify.Notifier) *ExecutionFSM {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &ExecutionFSM{m: newMachine(ValidExecutionTransitions), notifier: notifier}
}

// OnBefore registers a hook called before an execution transition. A hook
// error aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates from → to, runs hooks and emits the event.
func (f *ExecutionFSM) Transition(ctx context.Context, ref Ref, from, to schema.ExecutionStatus, payload map[string]any) error {
	if !f.m.allowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": ref.ExecutionID, "from": string(from), "to": string(to)})
	}

	before, after := f.m.hooks(from, to)
	if err := runHooks(before, string(from), string(to)); err != nil {
		return err
	}

	f.notifier.Notify(ctx, schema.Event{
		Type:        executionEventType(from, to),
		ExecutionID: ref.ExecutionID,
		WorkflowID:  ref.WorkflowID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})

	return runHooks(after, string(from), string(to))
}

func executionEventType(from, to schema.ExecutionStatus) schema.EventType {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPendingApproval {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return schema.EventExecutionPendingApproval
	}
}

// --- Node FSM ---

// NodeFSM validates node lifecycle transitions and emits node events.
type NodeFSM struct {
	m        *machine[schema.NodeStatus]
	notifier notify.Notifier
}

// NewNodeFSM creates a NodeFSM that emits events via notifier.
func NewNodeFSM(notifier notify.Notifier) *NodeFSM {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &NodeFSM{m: newMachine(ValidNodeTransitions), notifier: notifier}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates from → to for nodeID, runs hooks and emits the event.
// retrying → running is silent; node.retry already announced the attempt.
func (f *NodeFSM) Transition(ctx context.Context, ref Ref, nodeID string, from, to schema.NodeStatus, payload map[string]any) error {
	if !f.m.allowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": ref.ExecutionID, "from": string(from), "to": string(to)})
	}

	before, after := f.m.hooks(from, to)
	if err := runHooks(before, string(from), string(to)); err != nil {
		return err
	}

	if et, ok := nodeEventType(from, to); ok {
		f.notifier.Notify(ctx, schema.Event{
			Type:        et,
			ExecutionID: ref.ExecutionID,
			WorkflowID:  ref.WorkflowID,
			NodeID:      nodeID,
			Payload:     payload,
			Timestamp:   time.Now().UTC(),
		})
	}

	return runHooks(after, string(from), string(to))
}

func nodeEventType(from, to schema.NodeStatus) (schema.EventType, bool) {
	switch to {
	case schema.NodeRunning:
		return schema.EventNodeStarted, from == schema.NodePending
	case schema.NodeCompleted:
		return schema.EventNodeCompleted, true
	case schema.NodeFailed:
		return schema.EventNodeFailed, true
	case schema.NodeRetrying:
		return schema.EventNodeRetry, true
	}
	return "", false
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed execution transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:         {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:         {schema.ExecutionPendingApproval, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionPendingApproval: {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionCompleted:       {},
	schema.ExecutionFailed:          {},
	schema.ExecutionCancelled:       {},
}

// ValidNodeTransitions defines the allowed node transitions.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:   {schema.NodeRunning},
	schema.NodeRunning:   {schema.NodeCompleted, schema.NodeFailed, schema.NodeRetrying},
	schema.NodeRetrying:  {schema.NodeRunning, schema.NodeFailed},
	schema.NodeCompleted: {},
	schema.NodeFailed:    {},
}
