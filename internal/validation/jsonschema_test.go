package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestJSONSchema_ValidEnvelope(t *testing.T) {
	v := newJSV(t)
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{{ID: "t", Type: schema.NodeTypeTrigger}},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestJSONSchema_EmptyNodesRejected(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateDefinition(&schema.WorkflowDefinition{Nodes: []schema.Node{}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestJSONSchema_NodeMissingID(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateDefinition(&schema.WorkflowDefinition{
		Nodes: []schema.Node{{Type: schema.NodeTypeTrigger}},
	})
	require.Error(t, err)
}

func TestJSONSchema_NilDefinition(t *testing.T) {
	v := newJSV(t)
	assert.Error(t, v.ValidateDefinition(nil))
}

func TestJSONSchema_NodeConfig(t *testing.T) {
	v := newJSV(t)

	tests := []struct {
		name    string
		typ     schema.NodeType
		config  string
		wantErr bool
	}{
		{"http ok", schema.NodeTypeHTTP, `{"url":"https://example.com","method":"GET"}`, false},
		{"http missing url", schema.NodeTypeHTTP, `{"method":"GET"}`, true},
		{"http unknown field", schema.NodeTypeHTTP, `{"url":"https://x","verb":"GET"}`, true},
		{"delay negative", schema.NodeTypeDelay, `{"durationMs":-1}`, true},
		{"delay ok with timeout", schema.NodeTypeDelay, `{"durationMs":10,"timeout":"2s"}`, false},
		{"bad timeout", schema.NodeTypeDelay, `{"durationMs":10,"timeout":"soon"}`, true},
		{"conditional bad engine", schema.NodeTypeConditional, `{"condition":"true","engine":"lua"}`, true},
		{"messaging bad channel", schema.NodeTypeMessagingSend, `{"to":"+1","body":"hi","channel":"fax"}`, true},
		{"csv long delimiter", schema.NodeTypeCSVUpload, `{"delimiter":";;"}`, true},
		{"retry override", schema.NodeTypeHTTP, `{"url":"https://x","retry":{"maxAttempts":2,"backoff":"fixed"}}`, false},
		{"retry bad backoff", schema.NodeTypeHTTP, `{"url":"https://x","retry":{"maxAttempts":2,"backoff":"linear"}}`, true},
		{"empty trigger", schema.NodeTypeTrigger, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &schema.Node{ID: "n", Type: tt.typ, Config: json.RawMessage(tt.config)}
			err := v.ValidateNodeConfig(node)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJSONSchema_UnknownNodeType(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateNodeConfig(&schema.Node{ID: "n", Type: "teleport"})
	require.Error(t, err)
}

func TestJSONSchema_ValidateInput(t *testing.T) {
	v := newJSV(t)
	inputSchema := json.RawMessage(`{
		"type": "object",
		"required": ["email"],
		"properties": {"email": {"type": "string"}, "age": {"type": "integer"}}
	}`)

	assert.NoError(t, v.ValidateInput(inputSchema, map[string]any{"email": "a@b.c", "age": 30}))

	err := v.ValidateInput(inputSchema, map[string]any{"age": "thirty"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	// nil input is treated as an empty object
	assert.Error(t, v.ValidateInput(inputSchema, nil))

	// no schema accepts anything
	assert.NoError(t, v.ValidateInput(nil, "anything"))
}

func TestJSONSchema_InputSchemaCached(t *testing.T) {
	v := newJSV(t)
	s := json.RawMessage(`{"type":"object"}`)
	require.NoError(t, v.ValidateInput(s, map[string]any{}))
	require.NoError(t, v.ValidateInput(s, map[string]any{"x": 1}))
	assert.Len(t, v.cache, 1)
}

func TestJSONSchema_InvalidInputSchema(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateInput(json.RawMessage(`{"type": 12}`), map[string]any{})
	require.Error(t, err)
}
