package expressions

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Scope is the execution context of one walker pass: the original input
// plus the output of every completed node, keyed by node ID. Outputs are
// normalized to their JSON shape on insert, so a Scope rebuilt from
// persisted node outputs is identical to the one built while running.
type Scope struct {
	mu      sync.RWMutex
	input   map[string]any
	outputs map[string]any
}

// NewScope creates a Scope seeded with the execution input.
func NewScope(input map[string]any) *Scope {
	in, _ := Normalize(input).(map[string]any)
	if in == nil {
		in = map[string]any{}
	}
	return &Scope{input: in, outputs: make(map[string]any)}
}

// SetOutput records the output of a completed node. A later call for the
// same node replaces the earlier value.
func (s *Scope) SetOutput(nodeID string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = Normalize(output)
}

// SetRawOutput records a persisted JSON output for a node.
func (s *Scope) SetRawOutput(nodeID string, raw json.RawMessage) error {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cannot parse output of node %q: %s", nodeID, err.Error()).WithCause(err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = v
	return nil
}

// Output returns the recorded output of a node.
func (s *Scope) Output(nodeID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[nodeID]
	return v, ok
}

// Input returns the execution input.
func (s *Scope) Input() map[string]any {
	return s.input
}

// Outputs returns a shallow copy of the node outputs.
func (s *Scope) Outputs() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.outputs)
}

// Data flattens the scope into one variable map. Resolution order, lowest
// to highest: bare input keys, node IDs, then the reserved "input" and
// "nodes" names.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make(map[string]any, len(s.input)+len(s.outputs)+2)
	for k, v := range s.input {
		data[k] = v
	}
	for k, v := range s.outputs {
		data[k] = v
	}
	data["input"] = s.input
	data["nodes"] = maps.Clone(s.outputs)
	return data
}

// WithRecord returns a child Scope for one record of a batch fan-out: the
// record is exposed as "record" and its fields become bare lookups.
func (s *Scope) WithRecord(record map[string]any, index int) *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := maps.Clone(s.input)
	rec, _ := Normalize(record).(map[string]any)
	for k, v := range rec {
		in[k] = v
	}
	in["record"] = rec
	in["index"] = float64(index)
	return &Scope{input: in, outputs: maps.Clone(s.outputs)}
}

// Normalize converts v to its JSON shape: structs become maps, integers
// become float64. Values that cannot be marshalled are returned unchanged.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
