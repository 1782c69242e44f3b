package expressions

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveTemplate replaces every {{path}} in text with the stringified value
// found at that dotted path in the scope. Unresolved paths render as "".
func ResolveTemplate(text string, scope *Scope) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	data := scopeData(scope)
	return templateRe.ReplaceAllStringFunc(text, func(m string) string {
		path := templateRe.FindStringSubmatch(m)[1]
		v, ok := Lookup(data, path)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// ResolveValue resolves templates inside v recursively. Strings consisting
// of exactly one {{path}} placeholder resolve to the raw value at that path,
// keeping its type; other strings go through ResolveTemplate.
func ResolveValue(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		if m := templateRe.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			out, _ := Lookup(scopeData(scope), val[m[2]:m[3]])
			return out
		}
		return ResolveTemplate(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, scope)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = ResolveTemplate(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, scope)
		}
		return out
	default:
		return v
	}
}

// Lookup walks a dotted path through nested maps and slices. Numeric
// segments index into slices.
func Lookup(data map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []map[string]any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a resolved value for string interpolation. Composite
// values render as compact JSON and nil renders as "".
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func scopeData(scope *Scope) map[string]any {
	if scope == nil {
		return map[string]any{}
	}
	return scope.Data()
}
