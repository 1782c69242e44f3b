package engine

import (
	"fmt"

	"github.com/rendis/flowpilot/pkg/schema"
)

// DAG is the in-memory graph of a workflow definition, used by the walker to
// determine dispatch order and edge liveness.
type DAG struct {
	Nodes    map[string]*schema.Node      // node ID → definition
	Configs  map[string]schema.NodeConfig // node ID → typed config
	Outgoing map[string][]schema.Edge     // node ID → edges leaving it
	Incoming map[string][]schema.Edge     // node ID → edges entering it
	Sorted   []string                     // topological order
	Entries  []string                     // nodes with no incoming edges
	index    map[string]int               // node ID → definition position
}

// ParseDAG parses a WorkflowDefinition into an executable DAG. It checks ids,
// node types, configs and edge references, then sorts with Kahn's algorithm.
// Ties are broken by definition order so the walk is deterministic.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	dag := &DAG{
		Nodes:    make(map[string]*schema.Node, len(def.Nodes)),
		Configs:  make(map[string]schema.NodeConfig, len(def.Nodes)),
		Outgoing: make(map[string][]schema.Edge, len(def.Nodes)),
		Incoming: make(map[string][]schema.Edge, len(def.Nodes)),
		index:    make(map[string]int, len(def.Nodes)),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if _, exists := dag.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		if !n.Type.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", n.ID, n.Type)
		}
		cfg, err := schema.DecodeNodeConfig(n)
		if err != nil {
			return nil, err
		}
		dag.Nodes[n.ID] = n
		dag.Configs[n.ID] = cfg
		dag.index[n.ID] = i
	}

	for _, e := range def.Edges {
		src, ok := dag.Nodes[e.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references non-existent source node: %s", e.Source)
		}
		if _, ok := dag.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references non-existent target node: %s", e.Target)
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s connects to itself", e.Source)
		}
		if src.Type == schema.NodeTypeConditional && e.SourceHandle != schema.HandleTrue && e.SourceHandle != schema.HandleFalse {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s -> %s leaves a conditional without a true/false handle", e.Source, e.Target)
		}
		dag.Outgoing[e.Source] = append(dag.Outgoing[e.Source], e)
		dag.Incoming[e.Target] = append(dag.Incoming[e.Target], e)
	}

	inDegree := make(map[string]int, len(dag.Nodes))
	var queue []string
	for _, n := range def.Nodes {
		inDegree[n.ID] = len(dag.Incoming[n.ID])
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow has no entry node")
	}
	dag.Entries = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, e := range dag.Outgoing[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = dag.insertOrdered(queue, e.Target)
			}
		}
	}
	if len(sorted) != len(dag.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	dag.Sorted = sorted
	return dag, nil
}

// insertOrdered inserts id into queue keeping definition order.
func (d *DAG) insertOrdered(queue []string, id string) []string {
	pos := len(queue)
	for i, q := range queue {
		if d.index[q] > d.index[id] {
			pos = i
			break
		}
	}
	queue = append(queue, "")
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = id
	return queue
}

// IsEntry reports whether id has no incoming edges.
func (d *DAG) IsEntry(id string) bool {
	return len(d.Incoming[id]) == 0
}

// Successors returns the distinct targets of the edges leaving id.
func (d *DAG) Successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range d.Outgoing[id] {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}
