package audit

import (
	"encoding/json"
	"fmt"
)

// Bounding limits enforced on every inputs/outputs payload before it reaches
// the audit store. These four numbers are the core contract: depth, list
// length, map size, and total serialized size, plus a per-string ellipsis
// limit. The store must never receive an unbounded document.
const (
	maxDepth       = 5
	maxListElems   = 100
	maxMapEntries  = 50
	maxTotalBytes  = 10_000
	maxStringChars = 500
)

// BoundPayload returns a version of v safe to hand to the audit store: if its
// serialized form exceeds maxTotalBytes it is replaced wholesale by a
// truncation stub carrying the original size; otherwise it is walked
// recursively and oversized substructures are replaced by stubs in place.
func BoundPayload(v interface{}) interface{} {
	if v == nil {
		return nil
	}

	serialized, err := json.Marshal(v)
	if err != nil {
		// Not JSON-serializable at all; the best we can store is an
		// elided rendering of the value.
		return boundString(fmt.Sprintf("%v", v))
	}
	if len(serialized) > maxTotalBytes {
		return truncationStub(len(serialized))
	}

	// Size is within budget but nesting/breadth may not be. Walk the
	// generic decoded form of what was just serialized, so a struct value
	// (a forwarded CallResult, say) is bounded field by field like any
	// map, not flattened to a debug string.
	var generic interface{}
	if err := json.Unmarshal(serialized, &generic); err != nil {
		return boundString(string(serialized))
	}
	return bound(generic, 0)
}

func truncationStub(size int) map[string]interface{} {
	return map[string]interface{}{
		"truncated":     true,
		"original_size": size,
	}
}

func typeStub(v interface{}) map[string]interface{} {
	return map[string]interface{}{
		"truncated": true,
		"type":      fmt.Sprintf("%T", v),
	}
}

func bound(v interface{}, depth int) interface{} {
	if depth > maxDepth {
		return typeStub(v)
	}

	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		count := 0
		for k, item := range val {
			if count >= maxMapEntries {
				out["_truncated_remaining"] = len(val) - count
				break
			}
			out[k] = bound(item, depth+1)
			count++
		}
		return out
	case []interface{}:
		n := len(val)
		limit := n
		if limit > maxListElems {
			limit = maxListElems
		}
		out := make([]interface{}, 0, limit)
		for i := 0; i < limit; i++ {
			out = append(out, bound(val[i], depth+1))
		}
		if n > maxListElems {
			out = append(out, typeStub(val))
		}
		return out
	case string:
		return boundString(val)
	case nil, bool, float64, int, int64, json.Number:
		return val
	default:
		return boundString(fmt.Sprintf("%v", val))
	}
}

func boundString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStringChars {
		return s
	}
	return string(runes[:maxStringChars]) + "..."
}
