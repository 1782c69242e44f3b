package nodes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// newRequest decodes config for a node of type t and builds a Request with a
// scope seeded from scopeInput.
func newRequest(t *testing.T, typ schema.NodeType, config string, input any, scopeInput map[string]any) Request {
	t.Helper()
	node := &schema.Node{ID: string(typ) + "-1", Type: typ}
	if config != "" {
		node.Config = json.RawMessage(config)
	}
	cfg, err := schema.DecodeNodeConfig(node)
	require.NoError(t, err)
	return Request{
		Node:        node,
		Config:      cfg,
		Input:       input,
		Scope:       expressions.NewScope(scopeInput),
		ExecutionID: "exec-1",
		Attempt:     1,
		Index:       -1,
	}
}

type stubExecutor struct{ typ schema.NodeType }

func (s stubExecutor) Type() schema.NodeType { return s.typ }
func (s stubExecutor) Execute(context.Context, Request) (any, error) {
	return "ok", nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubExecutor{typ: schema.NodeTypeHTTP}))

	exec, err := reg.Get(schema.NodeTypeHTTP)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeTypeHTTP, exec.Type())
	assert.True(t, reg.Has(schema.NodeTypeHTTP))

	_, err = reg.Get(schema.NodeTypeDelay)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(stubExecutor{typ: "teleport"}))

	require.NoError(t, reg.Register(stubExecutor{typ: schema.NodeTypeHTTP}))
	assert.Error(t, reg.Register(stubExecutor{typ: schema.NodeTypeHTTP}))

	reg.Replace(stubExecutor{typ: schema.NodeTypeHTTP})
	assert.Len(t, reg.Types(), 1)
}

func TestDefaultRegistry_CoversEveryNodeType(t *testing.T) {
	reg, err := DefaultRegistry(Dependencies{})
	require.NoError(t, err)
	for _, nt := range schema.AllNodeTypes {
		assert.True(t, reg.Has(nt), nt)
	}
	assert.Len(t, reg.Types(), len(schema.AllNodeTypes))
}

func TestIsPerRecord(t *testing.T) {
	reg, err := DefaultRegistry(Dependencies{})
	require.NoError(t, err)

	get := func(nt schema.NodeType) Executor {
		e, err := reg.Get(nt)
		require.NoError(t, err)
		return e
	}
	assert.True(t, IsPerRecord(get(schema.NodeTypeAIContent), &schema.AIContentConfig{}))
	assert.True(t, IsPerRecord(get(schema.NodeTypeMessagingSend), &schema.MessagingConfig{}))
	assert.True(t, IsPerRecord(get(schema.NodeTypeComplianceCheck), &schema.ComplianceCheckConfig{}))
	assert.False(t, IsPerRecord(get(schema.NodeTypeComplianceReport), &schema.ComplianceReportConfig{}))
	assert.False(t, IsPerRecord(get(schema.NodeTypeHTTP), &schema.HTTPConfig{}))
	assert.True(t, IsPerRecord(get(schema.NodeTypeHTTP), &schema.HTTPConfig{PerRecord: true}))
}

func TestExtractBatch(t *testing.T) {
	recs, ok := ExtractBatch(schema.Batch{{"a": 1}})
	require.True(t, ok)
	assert.Len(t, recs, 1)

	recs, ok = ExtractBatch([]any{map[string]any{"a": 1.0}, map[string]any{"a": 2.0}})
	require.True(t, ok)
	assert.Equal(t, 2.0, recs[1]["a"])

	_, ok = ExtractBatch([]any{"x", map[string]any{}})
	assert.False(t, ok)
	_, ok = ExtractBatch(map[string]any{"a": 1})
	assert.False(t, ok)
	_, ok = ExtractBatch(nil)
	assert.False(t, ok)
}

func TestExtractBatch_AggregatedResult(t *testing.T) {
	br := &schema.BatchResult{
		SuccessCount: 1,
		FailedCount:  1,
		Results: []schema.BatchEntry{
			{Index: 0, Record: map[string]any{"name": "ana"}, Output: map[string]any{"content": "hi ana"}},
			{Index: 1, Record: map[string]any{"name": "bo"}, Error: "boom"},
		},
	}
	recs, ok := ExtractBatch(br)
	require.True(t, ok)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{"name": "ana", "content": "hi ana"}, recs[0])

	// The JSON shape persisted between nodes is recognized too.
	normalized := expressions.Normalize(br)
	recs, ok = ExtractBatch(normalized)
	require.True(t, ok)
	require.Len(t, recs, 1)
	assert.Equal(t, "hi ana", recs[0]["content"])
}

func TestExtractBatch_ApprovalOutput(t *testing.T) {
	out := map[string]any{
		"approved": true,
		"rows":     []any{map[string]any{"id": "1"}},
	}
	recs, ok := ExtractBatch(out)
	require.True(t, ok)
	assert.Equal(t, "1", recs[0]["id"])
}
