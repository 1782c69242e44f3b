package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowpilot/pkg/schema"
)

const (
	definitionSchemaURL = "https://flowpilot.dev/schemas/workflow.json"
	nodeSchemaURL       = "https://flowpilot.dev/schemas/nodes.json"

	durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`
)

// definitionSchemaJSON describes the graph envelope. Node configs are checked
// separately against their type's schema.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowpilot.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": ["object", "null"] }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// nodeConfigProperties holds the type-specific properties and required
// fields of each node config schema.
var nodeConfigProperties = map[schema.NodeType]struct {
	props    string
	required string
}{
	schema.NodeTypeTrigger: {props: `
    "payload": { "type": "object" },
    "schedule": { "type": "string", "minLength": 1 },
    "inputSchema": { "type": ["object", "boolean"] }`},
	schema.NodeTypeHTTP: {props: `
    "method": { "type": "string", "minLength": 1 },
    "url": { "type": "string", "minLength": 1 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {},
    "perRecord": { "type": "boolean" }`, required: `"url"`},
	schema.NodeTypeTransform: {props: `
    "mapping": { "type": "object" },
    "jq": { "type": "string", "minLength": 1 }`},
	schema.NodeTypeConditional: {props: `
    "condition": { "type": "string", "minLength": 1 },
    "engine": { "type": "string", "enum": ["expr", "cel"] }`, required: `"condition"`},
	schema.NodeTypeDelay: {props: `
    "durationMs": { "type": "integer", "minimum": 0, "maximum": 86400000 }`, required: `"durationMs"`},
	schema.NodeTypeWebhook: {props: `
    "url": { "type": "string", "minLength": 1 },
    "secret": { "type": "string" },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } }`, required: `"url"`},
	schema.NodeTypeCSVUpload: {props: `
    "csv": { "type": "string" },
    "field": { "type": "string", "minLength": 1 },
    "delimiter": { "type": "string", "minLength": 1, "maxLength": 1 }`},
	schema.NodeTypeAIContent: {props: `
    "prompt": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "maxTokens": { "type": "integer", "minimum": 1 },
    "temperature": { "type": "number", "minimum": 0, "maximum": 2 }`, required: `"prompt"`},
	schema.NodeTypeComplianceCheck: {props: `
    "contentField": { "type": "string", "minLength": 1 },
    "criticalTerms": { "$ref": "#/$defs/terms" },
    "warningTerms": { "$ref": "#/$defs/terms" },
    "requiredDisclaimers": { "$ref": "#/$defs/terms" },
    "threshold": { "type": "integer", "minimum": 1, "maximum": 100 }`},
	schema.NodeTypeComplianceReport: {props: `
    "title": { "type": "string" },
    "topN": { "type": "integer", "minimum": 1 }`},
	schema.NodeTypeMessagingSend: {props: `
    "channel": { "type": "string", "enum": ["sms", "email", "whatsapp"] },
    "to": { "type": "string", "minLength": 1 },
    "subject": { "type": "string" },
    "body": { "type": "string", "minLength": 1 }`, required: `"to", "body"`},
	schema.NodeTypeManualApproval: {props: `
    "title": { "type": "string" },
    "instructions": { "type": "string" },
    "maxRows": { "type": "integer", "minimum": 1 }`},
}

// nodeSchemaJSON assembles one $defs entry per node type, each accepting the
// shared timeout and retry options.
func nodeSchemaJSON() string {
	var b strings.Builder
	b.WriteString(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + nodeSchemaURL + `",
  "$defs": {
    "retry": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1, "maximum": 10 },
        "backoff": { "type": "string", "enum": ["fixed", "exponential"] },
        "baseDelayMs": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "terms": { "type": "array", "items": { "type": "string", "minLength": 1 } }`)
	for _, nt := range schema.AllNodeTypes {
		def := nodeConfigProperties[nt]
		fmt.Fprintf(&b, `,
    %q: {
      "type": "object",
      "properties": {
        "timeout": { "type": "string", "pattern": %q },
        "retry": { "$ref": "#/$defs/retry" },%s
      },
      "required": [%s],
      "additionalProperties": false
    }`, string(nt), durationPattern, def.props, def.required)
	}
	b.WriteString("\n  }\n}")
	return b.String()
}

// JSONSchemaValidator validates the definition envelope, node configs and
// execution inputs. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
	nodeSchemas      map[schema.NodeType]*jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition and node config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	defDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, defDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	nodeDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(nodeSchemaJSON()))
	if err != nil {
		return nil, fmt.Errorf("unmarshal node schema: %w", err)
	}
	if err := c.AddResource(nodeSchemaURL, nodeDoc); err != nil {
		return nil, fmt.Errorf("add node schema resource: %w", err)
	}

	defSchema, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	nodeSchemas := make(map[schema.NodeType]*jsonschema.Schema, len(schema.AllNodeTypes))
	for _, nt := range schema.AllNodeTypes {
		s, err := c.Compile(nodeSchemaURL + "#/$defs/" + string(nt))
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", nt, err)
		}
		nodeSchemas[nt] = s
	}

	return &JSONSchemaValidator{
		definitionSchema: defSchema,
		nodeSchemas:      nodeSchemas,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates the graph envelope. Node configs, references
// and graph shape are checked by WorkflowValidator.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateNodeConfig validates the raw config of node against its type's
// schema. Unknown types are rejected.
func (v *JSONSchemaValidator) ValidateNodeConfig(node *schema.Node) error {
	s, ok := v.nodeSchemas[node.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.Type).WithNode(node.ID)
	}
	raw := strings.TrimSpace(string(node.Config))
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "config is not valid JSON").WithNode(node.ID).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err).WithNode(node.ID)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema document. The schema
// is compiled once and cached. A nil input is validated as an empty object.
func (v *JSONSchemaValidator) ValidateInput(inputSchema json.RawMessage, input any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets its own compiler and URL to avoid collisions.
	url := fmt.Sprintf("flowpilot://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// each leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed by their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
