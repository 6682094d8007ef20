package expressions

import "encoding/json"

// MergeVariables seeds a run's variable map: workflow defaults overlaid with
// caller arguments (arguments win on key collision). Values are deep-copied
// so the run owns its scope exclusively and never mutates the definition.
func MergeVariables(defaults, arguments map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(arguments))
	for k, v := range defaults {
		merged[k] = deepCopyAny(v)
	}
	for k, v := range arguments {
		merged[k] = deepCopyAny(v)
	}
	return merged
}

// ConditionEnv builds the evaluation environment for condition expressions:
// every variable as a top-level identifier, plus "arguments" and "variables"
// namespaces bound to the same map, mirroring the interpolator's cosmetic
// prefixes.
func ConditionEnv(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		env[k] = v
	}
	env["arguments"] = vars
	env["variables"] = vars
	return env
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
