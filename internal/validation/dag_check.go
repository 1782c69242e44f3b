package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/flowpilot/pkg/schema"
)

// validateDAG checks the graph shape: an entry node exists, no cycles
// (Kahn's algorithm), and conditionals have somewhere to route.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		inDegree[n.ID] = 0
	}
	out := make(map[string][]string, len(def.Nodes))
	handles := make(map[string][]string)
	for _, e := range def.Edges {
		out[e.Source] = append(out[e.Source], e.Target)
		inDegree[e.Target]++
		handles[e.Source] = append(handles[e.Source], e.SourceHandle)
	}

	queue := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no entry node")
		result.AddError("edges", schema.ErrCodeCycleDetected, "workflow contains a cycle")
		return result
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(def.Nodes) {
		result.AddError("edges", schema.ErrCodeCycleDetected, "workflow contains a cycle")
		return result
	}

	for i, n := range def.Nodes {
		if n.Type != schema.NodeTypeConditional {
			continue
		}
		h := handles[n.ID]
		if len(h) == 0 {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("conditional %q has no outgoing edges", n.ID))
			continue
		}
		for _, want := range []string{schema.HandleTrue, schema.HandleFalse} {
			if !slices.Contains(h, want) {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("conditional %q has no %q branch", n.ID, want))
			}
		}
	}
	return result
}
