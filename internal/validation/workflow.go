package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/flowpilot/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema envelope)
// 2. Semantic (ids, typed configs, edge references, handles)
// 3. DAG (entry node, cycles, branch coverage)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ConditionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. conditions may be nil to
// skip condition compilation.
func NewWorkflowValidator(conditions ConditionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, conditions: conditions}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		addViolations(result, "/", err)
		return result
	}

	result.Merge(validateSemantic(def, wv.jsonSchema, wv.conditions))
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(inputSchema json.RawMessage, input any) error {
	return wv.jsonSchema.ValidateInput(inputSchema, input)
}

// Issues extracts the individual issues from an error produced by
// ValidateDefinition.
func Issues(err error) []schema.ValidationIssue {
	var fe *schema.FlowError
	if !errors.As(err, &fe) || fe.Details == nil {
		return nil
	}
	issues, _ := fe.Details["errors"].([]schema.ValidationIssue)
	return issues
}
