// Package vectorclock implements the per-client counter map used to stamp
// every operation with a causal position, and the comparison, merge, and
// bounded-pruning algebra defined over it.
package vectorclock

import "sort"

// ClientID identifies a single device across the lifetime of a user's
// account. Assigned once per device on first run, and again after a
// clean-slate.
type ClientID string

// MinClientIDLength is the minimum accepted length for a ClientID.
const MinClientIDLength = 5

// Valid reports whether id satisfies the client-identifier invariant.
func (id ClientID) Valid() bool {
	return len(id) >= MinClientIDLength
}

// Clock maps a client identifier to its non-negative counter. A missing
// key is equivalent to a counter of zero. Clock values are never mutated
// in place by this package's exported functions — every operation returns
// a new Clock.
type Clock map[ClientID]uint64

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	if c == nil {
		return Clock{}
	}
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the counter for id, or 0 if id is absent.
func (c Clock) Get(id ClientID) uint64 {
	return c[id]
}

// Equal reports whether c and other agree on every key, missing keys
// counted as zero.
func (c Clock) Equal(other Clock) bool {
	return Compare(c, other) == Equal
}

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Equal: the clocks agree on every key.
	Equal Ordering = iota
	// Less: A causally precedes B.
	Less
	// Greater: A causally follows B.
	Greater
	// Concurrent: neither clock causally precedes the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Less:
		return "Less"
	case Greater:
		return "Greater"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Compare computes the causal relationship between a and b. Missing keys
// are treated as a counter of 0 in either clock.
func Compare(a, b Clock) Ordering {
	hasLess, hasGreater := false, false

	seen := make(map[ClientID]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}

	for k := range seen {
		av, bv := a.Get(k), b.Get(k)
		if av < bv {
			hasLess = true
		} else if av > bv {
			hasGreater = true
		}
	}

	switch {
	case !hasLess && !hasGreater:
		return Equal
	case hasLess && !hasGreater:
		return Less
	case hasGreater && !hasLess:
		return Greater
	default:
		return Concurrent
	}
}

// Merge returns the componentwise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// MergeAll folds Merge over clocks, left to right. Returns an empty Clock
// for an empty input.
func MergeAll(clocks ...Clock) Clock {
	out := Clock{}
	for _, c := range clocks {
		out = Merge(out, c)
	}
	return out
}

// Increment returns a copy of c with clientId's counter incremented by
// one.
func Increment(c Clock, clientID ClientID) Clock {
	out := c.Clone()
	out[clientID] = out[clientID] + 1
	return out
}

// MergeAndIncrement merges every clock in clocks and then increments
// clientId's counter. The result is strictly Greater than every input
// clock, including ones where clientId was already at the merged
// maximum, because the increment always advances clientId's own counter
// past whatever it observed.
func MergeAndIncrement(clientID ClientID, clocks ...Clock) Clock {
	return Increment(MergeAll(clocks...), clientID)
}

// LimitSize reduces c to at most maxSize entries while preserving
// localClientID and every key in protected. If the mandatory-keep set
// ({localClientID} ∪ protected) already meets or exceeds maxSize, the
// entire mandatory set is kept and the size invariant is relaxed for
// this call — LimitSize never drops a protected or local key to make
// room. Remaining capacity is filled with the highest-counter remaining
// keys, ties broken by ascending key order for determinism.
func LimitSize(c Clock, protected []ClientID, localClientID ClientID, maxSize int) Clock {
	mandatory := make(map[ClientID]struct{}, len(protected)+1)
	mandatory[localClientID] = struct{}{}
	for _, id := range protected {
		mandatory[id] = struct{}{}
	}

	out := make(Clock, maxSize)
	for id := range mandatory {
		if v, ok := c[id]; ok {
			out[id] = v
		}
	}

	if len(out) >= maxSize {
		return out
	}

	type kv struct {
		id    ClientID
		count uint64
	}
	rest := make([]kv, 0, len(c))
	for id, v := range c {
		if _, ok := mandatory[id]; ok {
			continue
		}
		rest = append(rest, kv{id, v})
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].count != rest[j].count {
			return rest[i].count > rest[j].count
		}
		return rest[i].id < rest[j].id
	})

	for _, e := range rest {
		if len(out) >= maxSize {
			break
		}
		out[e.id] = e.count
	}
	return out
}

// Keys returns the sorted key set of c. Useful for deterministic
// protected-ID bookkeeping and logging.
func Keys(c Clock) []ClientID {
	out := make([]ClientID, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
