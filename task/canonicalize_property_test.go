package task

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalizeOrderIndependence is spec §8's quantified invariant:
// canonicalize({a:1,b:2}) == canonicalize({b:2,a:1}).
func TestCanonicalizeOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalizing a map does not depend on insertion order", prop.ForAll(
		func(keys []string, values []int) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			forward := make(map[string]any, n)
			backward := make(map[string]any, n)
			for i := 0; i < n; i++ {
				forward[keys[i]] = int64(values[i])
			}
			for i := n - 1; i >= 0; i-- {
				backward[keys[i]] = int64(values[i])
			}
			return reflect.DeepEqual(Canonicalize(forward), Canonicalize(backward))
		},
		gen.SliceOfN(6, gen.AlphaString()).SuchThat(func(ks []string) bool {
			seen := make(map[string]bool, len(ks))
			for _, k := range ks {
				if k == "" || seen[k] {
					return false
				}
				seen[k] = true
			}
			return true
		}),
		gen.SliceOfN(6, gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeIdempotent: canonicalizing an already-canonical value
// returns an equal value (no further rewriting occurs).
func TestCanonicalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalize is idempotent", prop.ForAll(
		func(keys []string, values []int) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			m := make(map[string]any, n)
			for i := 0; i < n; i++ {
				m[keys[i]] = int64(values[i])
			}
			once := Canonicalize(m)
			twice := Canonicalize(once)
			return reflect.DeepEqual(once, twice)
		},
		gen.SliceOfN(5, gen.AlphaString()).SuchThat(func(ks []string) bool {
			seen := make(map[string]bool, len(ks))
			for _, k := range ks {
				if k == "" || seen[k] {
					return false
				}
				seen[k] = true
			}
			return true
		}),
		gen.SliceOfN(5, gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeBigIntRendersAsString covers the BigInt->string rule: any
// int64 too large to round-trip through float64 is rendered as a decimal
// string rather than a numeric value.
func TestCanonicalizeBigIntRendersAsString(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	const twoPow53 = int64(1) << 53

	properties.Property("int64 beyond 2^53 canonicalizes to a decimal string", prop.ForAll(
		func(offset int) bool {
			x := twoPow53 + 1 + int64(offset)
			out := Canonicalize(x)
			_, isString := out.(string)
			return isString
		},
		gen.IntRange(0, 1_000_000),
	))

	properties.Property("negative int64 beyond -2^53 canonicalizes to a decimal string", prop.ForAll(
		func(offset int) bool {
			x := -twoPow53 - 1 - int64(offset)
			out := Canonicalize(x)
			_, isString := out.(string)
			return isString
		},
		gen.IntRange(0, 1_000_000),
	))

	properties.Property("int64 within +/-2^53 canonicalizes unchanged", prop.ForAll(
		func(x int) bool {
			v := int64(x)
			return Canonicalize(v) == v
		},
		gen.IntRange(-1_000_000, 1_000_000),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeCircularReferenceTerminates guards against infinite
// recursion when a map value cycles back to an ancestor map.
func TestCanonicalizeCircularReferenceTerminates(t *testing.T) {
	inner := map[string]any{"name": "inner"}
	outer := map[string]any{"child": inner}
	inner["parent"] = outer

	done := make(chan any, 1)
	go func() { done <- Canonicalize(outer) }()

	select {
	case out := <-done:
		result, ok := out.(map[string]any)
		if !ok {
			t.Fatalf("expected map result, got %T", out)
		}
		child, ok := result["child"].(map[string]any)
		if !ok {
			t.Fatalf("expected child map, got %T", result["child"])
		}
		if child["parent"] != circularSentinel {
			t.Fatalf("expected circular sentinel, got %v", child["parent"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Canonicalize did not terminate on circular input")
	}
}
