// Package history records versioned state for tracked entities and
// materializes any past version from snapshots plus merge-patch deltas.
package history

import "reflect"

// MergeDiff computes a merge patch that transforms old into new. Keys
// absent from new map to an explicit null; nested objects diff
// recursively; arrays and scalars replace wholesale.
func MergeDiff(old, new map[string]any) map[string]any {
	patch := make(map[string]any)
	for key, newVal := range new {
		oldVal, present := old[key]
		if !present {
			patch[key] = newVal
			continue
		}
		oldMap, oldIsMap := oldVal.(map[string]any)
		newMap, newIsMap := newVal.(map[string]any)
		if oldIsMap && newIsMap {
			if sub := MergeDiff(oldMap, newMap); len(sub) > 0 {
				patch[key] = sub
			}
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			patch[key] = newVal
		}
	}
	for key := range old {
		if _, present := new[key]; !present {
			patch[key] = nil
		}
	}
	return patch
}

// MergeApply applies a merge patch to base and returns the result. The
// inputs are not modified.
func MergeApply(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for key, val := range base {
		out[key] = val
	}
	for key, patchVal := range patch {
		if patchVal == nil {
			delete(out, key)
			continue
		}
		patchMap, patchIsMap := patchVal.(map[string]any)
		if !patchIsMap {
			out[key] = patchVal
			continue
		}
		baseMap, baseIsMap := out[key].(map[string]any)
		if !baseIsMap {
			baseMap = map[string]any{}
		}
		out[key] = MergeApply(baseMap, patchMap)
	}
	return out
}
