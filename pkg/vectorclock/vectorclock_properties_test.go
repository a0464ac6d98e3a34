package vectorclock

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genClientID generates short client identifiers from a small alphabet so
// that generated clocks overlap enough to exercise Concurrent/Less/Greater
// cases, not just all-distinct-keys Concurrent noise.
func genClientID() gopter.Gen {
	return gen.OneConstOf(ClientID("c0"), ClientID("c1"), ClientID("c2"), ClientID("c3"), ClientID("c4"))
}

func genClock() gopter.Gen {
	return gen.MapOf(genClientID(), gen.UInt64Range(0, 20)).Map(func(m map[ClientID]uint64) Clock {
		return Clock(m)
	})
}

// TestVectorClockProperties checks the quantified invariants of spec §8
// items 2 and 4, plus the round-trip laws, the way the teacher's
// tests/property/consensus_properties_test.go checks Raft invariants:
// gopter.NewProperties + prop.ForAll over hand-written generators.
func TestVectorClockProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("MergeAndIncrement dominates every input", prop.ForAll(
		func(a, b Clock, client ClientID) bool {
			merged := MergeAndIncrement(client, a, b)
			return Compare(merged, a) == Greater && Compare(merged, b) == Greater
		},
		genClock(), genClock(), genClientID(),
	))

	properties.Property("LimitSize preserves local and protected keys when present", prop.ForAll(
		func(c Clock, local ClientID, protected ClientID) bool {
			out := LimitSize(c, []ClientID{protected}, local, 2)
			if _, ok := c[local]; ok {
				if _, kept := out[local]; !kept {
					return false
				}
			}
			if _, ok := c[protected]; ok {
				if _, kept := out[protected]; !kept {
					return false
				}
			}
			return true
		},
		genClock(), genClientID(), genClientID(),
	))

	properties.Property("Increment(Merge(empty, X), c) == Increment(X, c)", prop.ForAll(
		func(x Clock, client ClientID) bool {
			lhs := Increment(Merge(Clock{}, x), client)
			rhs := Increment(x, client)
			return Compare(lhs, rhs) == Equal
		},
		genClock(), genClientID(),
	))

	properties.Property("Compare is Equal iff clocks agree on every key", prop.ForAll(
		func(a, b Clock) bool {
			agree := true
			for k := range MergeAll(a, b) {
				if a.Get(k) != b.Get(k) {
					agree = false
				}
			}
			return (Compare(a, b) == Equal) == agree && Compare(a, a.Clone()) == Equal
		},
		genClock(), genClock(),
	))

	properties.Property("Compare is antisymmetric", prop.ForAll(
		func(a, b Clock) bool {
			switch Compare(a, b) {
			case Less:
				return Compare(b, a) == Greater
			case Greater:
				return Compare(b, a) == Less
			case Equal:
				return Compare(b, a) == Equal
			default:
				return Compare(b, a) == Concurrent
			}
		},
		genClock(), genClock(),
	))

	properties.TestingRun(t)
}
