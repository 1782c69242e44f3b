package nodes

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Registry is a thread-safe map from node type to executor.
type Registry struct {
	mu    sync.RWMutex
	execs map[schema.NodeType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[schema.NodeType]Executor)}
}

// Register adds an executor. Returns error on a nil executor, an unknown node
// type, or a duplicate registration.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := exec.Type()
	if !t.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.execs[t]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "executor for %q already registered", t)
	}
	r.execs[t] = exec
	return nil
}

// Replace registers exec, overwriting any executor for the same type.
func (r *Registry) Replace(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[exec.Type()] = exec
}

// Get returns the executor for a node type.
func (r *Registry) Get(t schema.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.execs[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor registered for node type %q", t)
	}
	return exec, nil
}

// Has checks if a node type has an executor.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.execs[t]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.NodeType, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Dependencies are the collaborators of the built-in executors. Nil fields
// get working defaults.
type Dependencies struct {
	Evaluator        *expressions.Evaluator
	HTTPClient       *http.Client
	ContentGenerator ContentGenerator
	MessageSender    MessageSender
	MaxResponseBody  int64
	// InputValidator checks trigger input against its inputSchema when set.
	InputValidator   InputValidator
	// Sleep waits for a delay node; defaults to a context-aware timer.
	Sleep            func(ctx context.Context, d time.Duration) error
}

// DefaultRegistry returns a registry with every built-in executor.
func DefaultRegistry(deps Dependencies) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

// RegisterBuiltins registers the executor of every node type.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	if deps.Evaluator == nil {
		deps.Evaluator = expressions.NewEvaluator()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.MaxResponseBody <= 0 {
		deps.MaxResponseBody = defaultMaxResponseBody
	}
	if deps.ContentGenerator == nil {
		deps.ContentGenerator = TemplateGenerator{}
	}
	if deps.MessageSender == nil {
		deps.MessageSender = NewLogSender(nil)
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}

	all := []Executor{
		&TriggerExecutor{Validator: deps.InputValidator},
		NewHTTPExecutor(deps.HTTPClient, deps.MaxResponseBody),
		NewTransformExecutor(deps.Evaluator),
		NewConditionalExecutor(deps.Evaluator),
		&DelayExecutor{sleep: deps.Sleep},
		NewWebhookExecutor(deps.HTTPClient),
		&CSVExecutor{},
		NewAIContentExecutor(deps.ContentGenerator),
		&ComplianceCheckExecutor{},
		&ComplianceReportExecutor{},
		NewMessagingExecutor(deps.MessageSender),
		&ApprovalExecutor{},
	}
	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}
