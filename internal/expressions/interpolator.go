package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Interpolator resolves ${name} placeholders in strings and parameter maps
// against a run-scoped variable map. A name may carry a cosmetic "arguments."
// or "variables." prefix; both resolve against the same map. Unknown names
// leave the literal token in place. There is no nesting and no escape for a
// literal "${".
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveString substitutes every ${name} token in s. Strings without
// placeholders are returned unchanged.
func (interp *Interpolator) ResolveString(s string, vars map[string]any) string {
	if !HasPlaceholder(s) {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		// Look for ${ marker.
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(s[i : i+idx])
		start := i + idx + 2 // skip "${".

		// Find the closing brace.
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			// Unclosed token: keep the remainder verbatim.
			result.WriteString(s[i+idx:])
			break
		}
		end += start

		name := s[start:end]
		if val, ok := interp.lookup(name, vars); ok {
			result.WriteString(coerceString(val))
		} else {
			// Unknown name: keep the literal token.
			result.WriteString(s[i+idx : end+1])
		}

		i = end + 1 // skip "}".
	}

	return result.String()
}

// ResolveParams returns a copy of params with every string value
// interpolated, recursing into nested maps and slices. Non-string values
// pass through unchanged. The input map is never mutated.
func (interp *Interpolator) ResolveParams(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interp.resolveValue(v, vars)
	}
	return out
}

func (interp *Interpolator) resolveValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(val, vars)
	case map[string]any:
		return interp.ResolveParams(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interp.resolveValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// lookup resolves a token name. Direct key match wins (covers variable names
// that themselves contain dots); otherwise a recognized prefix is stripped
// and the remainder looked up.
func (interp *Interpolator) lookup(name string, vars map[string]any) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if val, ok := vars[name]; ok {
		return val, true
	}
	for _, prefix := range []string{"arguments.", "variables."} {
		if strings.HasPrefix(name, prefix) {
			val, ok := vars[strings.TrimPrefix(name, prefix)]
			return val, ok
		}
	}
	return nil, false
}

// HasPlaceholder reports whether s contains a ${ marker.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${")
}

// coerceString converts a resolved value to its string form for substitution.
// Maps and slices are JSON-encoded inline.
func coerceString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
