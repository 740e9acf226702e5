package task

import (
	"fmt"
	"reflect"
	"sort"
)

// Canonicalize produces a deterministic, order-independent representation of
// an arbitrary value suitable for hashing and equivalence comparisons (spec
// §4.2 step 5, §8 "canonicalize({a:1,b:2}) == canonicalize({b:2,a:1})").
//
// Rules:
//   - maps are rewritten with keys sorted lexicographically (order-independent)
//   - slices/arrays preserve element order (order-preserving)
//   - int64-sized numbers too large to round-trip through float64 are rendered
//     as decimal strings (the BigInt->string rule)
//   - values implementing `JSON() any` (the Date.toJSON equivalent) are
//     replaced by the result of calling it
//   - a map[string]any that refers back to one of its ancestors is replaced
//     by the fixed sentinel "[circular]" so canonicalization always
//     terminates
//   - other map and set types are returned unchanged (their keys are not
//     sorted)
func Canonicalize(v any) any {
	return canonicalize(v, make(map[uintptr]bool))
}

// jsonMarshaler mirrors the source runtime's Date.toJSON() convention: any
// value that knows how to render itself takes precedence over generic
// reflection-based handling.
type jsonMarshaler interface {
	JSON() any
}

const circularSentinel = "[circular]"

func canonicalize(v any, seen map[uintptr]bool) any {
	switch x := v.(type) {
	case nil:
		return nil
	case jsonMarshaler:
		return canonicalize(x.JSON(), seen)
	case map[string]any:
		ptr := reflect.ValueOf(x).Pointer()
		if seen[ptr] {
			return circularSentinel
		}
		seen[ptr] = true
		out := canonicalizeMap(x, seen)
		delete(seen, ptr)
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonicalize(e, seen)
		}
		return out
	case int64:
		// Values that would lose precision as float64 round-trip as strings.
		if x > 1<<53 || x < -(1<<53) {
			return fmt.Sprintf("%d", x)
		}
		return x
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func canonicalizeMap(m map[string]any, seen map[uintptr]bool) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = canonicalize(m[k], seen)
	}
	return out
}

// StableKeys returns the sorted keys of m, for callers that need a
// deterministic iteration order over a metadata bag. Nothing in this module
// calls it.
func StableKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
