package state

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// tokenPattern matches {{path}} references. Paths use dot and bracket
// notation: {{NodeA.result.items[0].name}}.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces every {{path}} token in the template with the value
// at that path in the execution context. Strings substitute as-is; any
// other value renders as compact JSON. Unresolvable tokens stay literal.
func (s *Snapshot) Interpolate(template string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	ctxJSON := s.contextJSON()

	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		result := gjson.GetBytes(ctxJSON, normalizePath(path))
		if !result.Exists() {
			return token
		}
		if result.Type == gjson.String {
			return result.Str
		}
		return result.Raw
	})
}

// ResolveValue recursively resolves tokens in a value. A string that is
// exactly one token resolves to the typed value at that path, so configs
// can pull arrays and objects out of the context intact; everything else
// goes through string interpolation.
func (s *Snapshot) ResolveValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return s.resolveString(v)
	case map[string]interface{}:
		return s.ResolveConfig(v)
	case []interface{}:
		return s.resolveArray(v)
	default:
		return value
	}
}

// ResolveConfig resolves all tokens in a config map, returning a new map
func (s *Snapshot) ResolveConfig(config map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(config))
	for key, value := range config {
		resolved[key] = s.ResolveValue(value)
	}
	return resolved
}

func (s *Snapshot) resolveArray(arr []interface{}) []interface{} {
	resolved := make([]interface{}, len(arr))
	for i, value := range arr {
		resolved[i] = s.ResolveValue(value)
	}
	return resolved
}

func (s *Snapshot) resolveString(str string) interface{} {
	m := tokenPattern.FindStringSubmatch(str)
	if m != nil && m[0] == str {
		result := gjson.GetBytes(s.contextJSON(), normalizePath(m[1]))
		if result.Exists() {
			return result.Value()
		}
		return str
	}
	return s.Interpolate(str)
}

func (s *Snapshot) contextJSON() []byte {
	b, err := json.Marshal(s.ExecutionContext())
	if err != nil {
		return []byte("{}")
	}
	return b
}

// normalizePath rewrites bracket indices into gjson's dot form:
// a.b[0].c becomes a.b.0.c
func normalizePath(path string) string {
	if !strings.Contains(path, "[") {
		return path
	}
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '[':
			b.WriteByte('.')
		case ']':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
