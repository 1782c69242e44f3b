package validation

import (
	"encoding/json"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Validator checks workflow definitions for correctness before execution.
// Schemas follow JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(inputSchema json.RawMessage, input any) error
}

// ConditionChecker reports whether a condition compiles for an engine.
type ConditionChecker interface {
	CheckCondition(expression, engine string) error
}
