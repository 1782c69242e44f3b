package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTemplate_BareInputKey(t *testing.T) {
	scope := NewScope(map[string]any{"name": "Ann"})
	assert.Equal(t, "Hi Ann", ResolveTemplate("Hi {{name}}", scope))
}

func TestResolveTemplate_MissingRendersEmpty(t *testing.T) {
	scope := NewScope(map[string]any{"name": "Ann"})
	assert.Equal(t, "", ResolveTemplate("{{missing}}", scope))
	assert.Equal(t, "a  b", ResolveTemplate("a {{ missing.deep.path }} b", scope))
}

func TestResolveTemplate_InputAliasAndNodeOutputs(t *testing.T) {
	scope := NewScope(map[string]any{"customer": map[string]any{"first": "Bo"}})
	scope.SetOutput("ai-1", map[string]any{"content": "Hello there", "tokens": 12})
	scope.SetOutput("csv", []map[string]any{{"email": "a@x.io"}, {"email": "b@x.io"}})

	assert.Equal(t, "Bo", ResolveTemplate("{{input.customer.first}}", scope))
	assert.Equal(t, "Hello there (12)", ResolveTemplate("{{ai-1.content}} ({{ai-1.tokens}})", scope))
	assert.Equal(t, "b@x.io", ResolveTemplate("{{csv.1.email}}", scope))
	assert.Equal(t, "Hello there", ResolveTemplate("{{nodes.ai-1.content}}", scope))
}

func TestResolveTemplate_CompositeRendersJSON(t *testing.T) {
	scope := NewScope(map[string]any{"tags": []any{"a", "b"}, "ok": true})
	assert.Equal(t, `["a","b"] true`, ResolveTemplate("{{tags}} {{ok}}", scope))
}

func TestResolveTemplate_NodeOutputShadowsInputKey(t *testing.T) {
	scope := NewScope(map[string]any{"step": "from-input"})
	scope.SetOutput("step", "from-node")
	assert.Equal(t, "from-node", ResolveTemplate("{{step}}", scope))
	assert.Equal(t, "from-input", ResolveTemplate("{{input.step}}", scope))
}

func TestResolveValue_KeepsTypes(t *testing.T) {
	scope := NewScope(map[string]any{"score": 72, "name": "Cy"})
	out := ResolveValue(map[string]any{
		"score":   "{{score}}",
		"greet":   "Hi {{name}}",
		"list":    []any{"{{name}}", 3.0},
		"headers": map[string]string{"X-Name": "{{name}}"},
	}, scope)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 72.0, m["score"])
	assert.Equal(t, "Hi Cy", m["greet"])
	assert.Equal(t, []any{"Cy", 3.0}, m["list"])
	assert.Equal(t, map[string]string{"X-Name": "Cy"}, m["headers"])
}

func TestScope_RebuildFromRawOutputIsLossless(t *testing.T) {
	live := NewScope(map[string]any{"k": 1})
	live.SetOutput("n1", struct {
		Content string `json:"content"`
		Count   int    `json:"count"`
	}{"hello", 2})

	rebuilt := NewScope(map[string]any{"k": 1})
	require.NoError(t, rebuilt.SetRawOutput("n1", []byte(`{"content":"hello","count":2}`)))

	assert.Equal(t, live.Data(), rebuilt.Data())
	assert.Error(t, rebuilt.SetRawOutput("bad", []byte(`{`)))
}

func TestScope_WithRecord(t *testing.T) {
	scope := NewScope(map[string]any{"campaign": "fall"})
	child := scope.WithRecord(map[string]any{"email": "a@x.io"}, 4)

	assert.Equal(t, "a@x.io fall 4", ResolveTemplate("{{email}} {{campaign}} {{index}}", child))
	assert.Equal(t, "a@x.io", ResolveTemplate("{{record.email}}", child))
	assert.Equal(t, "", ResolveTemplate("{{email}}", scope), "parent scope is untouched")
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": []any{"x", "y"}}}

	v, ok := Lookup(data, "a.b.1")
	require.True(t, ok)
	assert.Equal(t, "y", v)

	_, ok = Lookup(data, "a.b.9")
	assert.False(t, ok)
	_, ok = Lookup(data, "a.b.x")
	assert.False(t, ok)
	_, ok = Lookup(data, "")
	assert.False(t, ok)
}
