package nodes

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// ConditionalExecutor evaluates a branch condition. Its {result} output is
// the routing decision read by the walker.
type ConditionalExecutor struct {
	ev *expressions.Evaluator
}

// NewConditionalExecutor creates a conditional node executor.
func NewConditionalExecutor(ev *expressions.Evaluator) *ConditionalExecutor {
	return &ConditionalExecutor{ev: ev}
}

func (e *ConditionalExecutor) Type() schema.NodeType { return schema.NodeTypeConditional }

func (e *ConditionalExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.ConditionalConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, schema.NewNodeError(schema.KindValidation, "conditional: missing condition")
	}

	ok, err := e.ev.EvaluateCondition(ctx, cfg.Condition, cfg.Engine, req.Scope)
	if err != nil {
		return nil, schema.NewNodeError(schema.KindCondition, "%v", err).WithCause(err)
	}
	return map[string]any{"result": ok}, nil
}

// BranchResult extracts the routing decision from a conditional output.
func BranchResult(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}
	return boolParam(m, "result", false)
}
