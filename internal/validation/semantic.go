package validation

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/pkg/schema"
)

// validateSemantic checks what the envelope schema cannot: unique node ids,
// known types, typed configs, edge references and branch handles.
func validateSemantic(def *schema.WorkflowDefinition, configs *JSONSchemaValidator, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]*schema.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := ids[n.ID]; dup {
			result.AddErrorf(path+".id", schema.ErrCodeValidation, "duplicate node id %q", n.ID)
			continue
		}
		ids[n.ID] = n

		if !n.Type.Valid() {
			result.AddErrorf(path+".type", schema.ErrCodeValidation, "unknown node type %q", n.Type)
			continue
		}
		validateNodeConfig(n, path, configs, conditions, result)
	}

	type edgeKey struct{ source, target, handle string }
	seen := make(map[edgeKey]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		src, okSrc := ids[e.Source]
		if !okSrc {
			result.AddErrorf(path+".source", schema.ErrCodeValidation, "references non-existent node %q", e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			result.AddErrorf(path+".target", schema.ErrCodeValidation, "references non-existent node %q", e.Target)
		}
		if e.Source == e.Target {
			result.AddErrorf(path, schema.ErrCodeCycleDetected, "node %q connects to itself", e.Source)
		}
		key := edgeKey{e.Source, e.Target, e.SourceHandle}
		if seen[key] {
			result.AddErrorf(path, schema.ErrCodeValidation, "duplicate edge %s -> %s", e.Source, e.Target)
		}
		seen[key] = true

		if okSrc && src.Type == schema.NodeTypeConditional &&
			e.SourceHandle != schema.HandleTrue && e.SourceHandle != schema.HandleFalse {
			result.AddErrorf(path+".sourceHandle", schema.ErrCodeValidation,
				"edge from conditional %q must use handle %q or %q", e.Source, schema.HandleTrue, schema.HandleFalse)
		}
	}

	return result
}

func validateNodeConfig(n *schema.Node, path string, configs *JSONSchemaValidator, conditions ConditionChecker, result *schema.ValidationResult) {
	if configs != nil {
		if err := configs.ValidateNodeConfig(n); err != nil {
			addViolations(result, path+".config", err)
			return
		}
	}

	cfg, err := schema.DecodeNodeConfig(n)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	if t := cfg.Options().Timeout; t != "" && cfg.Options().TimeoutDuration() <= 0 {
		result.AddErrorf(path+".config.timeout", schema.ErrCodeValidation, "invalid timeout %q", t)
	}
	if r := cfg.Options().Retry; r != nil && r.MaxAttempts > 5 {
		result.AddWarning(path+".config.retry.maxAttempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", r.MaxAttempts))
	}

	switch c := cfg.(type) {
	case *schema.ConditionalConfig:
		if conditions != nil && c.Condition != "" {
			if err := conditions.CheckCondition(c.Condition, c.Engine); err != nil {
				result.AddError(path+".config.condition", schema.ErrCodeConditionEvaluation, err.Error())
			}
		}
	case *schema.TriggerConfig:
		if c.Schedule != "" {
			if _, err := cron.ParseStandard(c.Schedule); err != nil {
				result.AddErrorf(path+".config.schedule", schema.ErrCodeValidation, "invalid cron schedule %q: %v", c.Schedule, err)
			}
		}
	case *schema.TransformConfig:
		if c.JQ != "" && len(c.Mapping) > 0 {
			result.AddError(path+".config", schema.ErrCodeValidation, "transform takes either mapping or jq, not both")
		}
	}
}

// addViolations records each violation carried by a FlowError.
func addViolations(result *schema.ValidationResult, path string, err error) {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Details != nil {
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError(path, fe.Code, v)
			}
			return
		}
	}
	result.AddError(path, schema.ErrorCode(err), err.Error())
}
