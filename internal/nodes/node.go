// Package nodes holds the executor for every node type of a workflow graph.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Request is the data handed to an executor for one invocation.
type Request struct {
	Node        *schema.Node
	Config      schema.NodeConfig
	Input       any
	Scope       *expressions.Scope
	ExecutionID string
	WorkflowID  string
	Attempt     int
	// Index is the record position within a batch fan-out, or -1.
	Index int
}

// Executor performs the work of one node type. Failures should be
// *schema.NodeError so the retry policy can classify them.
type Executor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req Request) (any, error)
}

// BatchAware executors are invoked once per record when their upstream
// output is a batch. PerRecord may opt out based on the node config.
type BatchAware interface {
	Executor
	PerRecord(cfg schema.NodeConfig) bool
}

// IsPerRecord reports whether exec should be fanned out over a batch.
func IsPerRecord(exec Executor, cfg schema.NodeConfig) bool {
	ba, ok := exec.(BatchAware)
	return ok && ba.PerRecord(cfg)
}

func configAs[T schema.NodeConfig](req Request) (T, error) {
	cfg, ok := req.Config.(T)
	if !ok {
		var zero T
		return zero, schema.NewNodeError(schema.KindValidation, "unexpected config %T for %s node", req.Config, req.Node.Type)
	}
	return cfg, nil
}

// Param helpers shared by the executors.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

// asMap returns v as a JSON object, normalizing typed values.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	m, ok := expressions.Normalize(v).(map[string]any)
	return m, ok
}

// asList returns v as a list of JSON values.
func asList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case nil:
		return nil, false
	}
	l, ok := expressions.Normalize(v).([]any)
	return l, ok
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case map[string]any:
		return "an object"
	case []any:
		return "a list"
	case string:
		return "a string"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ExtractBatch reports whether v is an ordered list of records and returns
// them. It accepts a schema.Batch, a list of objects, the aggregated result
// of an earlier fan-out (successful records merged with their outputs) and
// the output of an approved manual-approval node.
func ExtractBatch(v any) ([]map[string]any, bool) {
	switch val := v.(type) {
	case schema.Batch:
		return val, true
	case []map[string]any:
		return val, true
	case *schema.BatchResult:
		if val == nil {
			return nil, false
		}
		return batchResultRecords(val), true
	case schema.BatchResult:
		return batchResultRecords(&val), true
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	case map[string]any:
		if rows, ok := val["rows"]; ok {
			if _, approval := val["approved"]; approval {
				return ExtractBatch(rows)
			}
		}
		if results, ok := val["results"].([]any); ok {
			if _, agg := val["successCount"]; agg {
				return aggregatedRecords(results), true
			}
		}
	}
	return nil, false
}

func batchResultRecords(br *schema.BatchResult) []map[string]any {
	out := make([]map[string]any, 0, br.SuccessCount)
	for _, entry := range br.Results {
		if entry.Error != "" {
			continue
		}
		out = append(out, mergeRecord(entry.Record, entry.Output))
	}
	return out
}

func aggregatedRecords(results []any) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, item := range results {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if e, _ := entry["error"].(string); e != "" {
			continue
		}
		rec, _ := entry["record"].(map[string]any)
		out = append(out, mergeRecord(rec, entry["output"]))
	}
	return out
}

// mergeRecord overlays a per-record output on the record it was computed
// from. Non-object outputs are kept under "output".
func mergeRecord(record map[string]any, output any) map[string]any {
	merged := make(map[string]any, len(record)+4)
	for k, v := range record {
		merged[k] = v
	}
	if m, ok := asMap(output); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else if output != nil {
		merged["output"] = output
	}
	return merged
}
