package nodes

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// TransformExecutor reshapes data with a templated mapping or a jq program.
// With neither configured it passes its input through.
type TransformExecutor struct {
	ev *expressions.Evaluator
}

// NewTransformExecutor creates a transform node executor.
func NewTransformExecutor(ev *expressions.Evaluator) *TransformExecutor {
	return &TransformExecutor{ev: ev}
}

func (e *TransformExecutor) Type() schema.NodeType { return schema.NodeTypeTransform }

func (e *TransformExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.TransformConfig](req)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.JQ != "":
		out, err := e.ev.RunJQ(ctx, cfg.JQ, req.Input)
		if err != nil {
			return nil, schema.NewNodeError(schema.KindValidation, "transform: %v", err).WithCause(err)
		}
		return out, nil
	case len(cfg.Mapping) > 0:
		return expressions.ResolveValue(cfg.Mapping, req.Scope), nil
	default:
		return req.Input, nil
	}
}
