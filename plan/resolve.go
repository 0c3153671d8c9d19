package plan

import (
	"strings"
)

const resultRefPrefix = "$action_result."

// ResolveParams recursively substitutes "$action_result.<id>[.<path>]"
// references with values from results. Maps and slices resolve element-wise;
// missing action ids or dead field paths resolve to nil.
func ResolveParams(params map[string]interface{}, results map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, results)
	}
	return resolved
}

func resolveValue(value interface{}, results map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, resultRefPrefix) {
			return resolveReference(v, results)
		}
		return v
	case map[string]interface{}:
		return ResolveParams(v, results)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, results)
		}
		return out
	default:
		return value
	}
}

func resolveReference(ref string, results map[string]interface{}) interface{} {
	spec := ref[len(resultRefPrefix):]
	actionID := spec
	fieldPath := ""
	if idx := strings.IndexByte(spec, '.'); idx >= 0 {
		actionID = spec[:idx]
		fieldPath = spec[idx+1:]
	}

	result, ok := results[actionID]
	if !ok {
		return nil
	}
	if fieldPath == "" {
		return result
	}

	current := result
	for _, part := range strings.Split(fieldPath, ".") {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = asMap[part]
		if !ok {
			return nil
		}
	}
	return current
}
