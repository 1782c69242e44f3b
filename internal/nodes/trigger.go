package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowpilot/pkg/schema"
)

// InputValidator checks the caller input against a trigger's input schema.
type InputValidator interface {
	ValidateInput(schemaDoc json.RawMessage, input any) error
}

// TriggerExecutor starts a run: it passes the caller input through, layered
// over the static payload of the node.
type TriggerExecutor struct {
	Validator InputValidator
}

func (e *TriggerExecutor) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (e *TriggerExecutor) Execute(_ context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.TriggerConfig](req)
	if err != nil {
		return nil, err
	}

	if len(cfg.InputSchema) > 0 && e.Validator != nil {
		if err := e.Validator.ValidateInput(cfg.InputSchema, req.Input); err != nil {
			return nil, schema.NewNodeError(schema.KindValidation, "input rejected: %v", err).WithCause(err)
		}
	}

	in, isMap := asMap(req.Input)
	if len(cfg.Payload) == 0 {
		if req.Input == nil {
			return map[string]any{}, nil
		}
		return req.Input, nil
	}
	if !isMap && req.Input != nil {
		return req.Input, nil
	}

	out := make(map[string]any, len(cfg.Payload)+len(in))
	for k, v := range cfg.Payload {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out, nil
}
