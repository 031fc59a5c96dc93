package stats

import (
	"maps"
	"slices"
	"time"
)

// Snapshot is an immutable copy of a Statistics. The zero value is an empty
// snapshot.
type Snapshot struct {
	begin time.Time
	end   time.Time
	ops   map[Operation]OperationStats
}

// NewSnapshot builds a snapshot from decoded data. The map is copied.
func NewSnapshot(begin, end time.Time, ops map[Operation]OperationStats) Snapshot {
	return Snapshot{begin: begin, end: end, ops: maps.Clone(ops)}
}

// Begin returns the start of the measured window, zero if never started.
func (s Snapshot) Begin() time.Time { return s.begin }

// End returns the end of the measured window, zero if never ended.
func (s Snapshot) End() time.Time { return s.end }

// Duration returns End-Begin, or zero when the window is incomplete.
func (s Snapshot) Duration() time.Duration {
	if s.begin.IsZero() || s.end.IsZero() {
		return 0
	}
	return s.end.Sub(s.begin)
}

// Get returns the stats recorded for op.
func (s Snapshot) Get(op Operation) (OperationStats, bool) {
	v, ok := s.ops[op]
	return v, ok
}

// Operations returns the recorded operations in sorted order.
func (s Snapshot) Operations() []Operation {
	return slices.Sorted(maps.Keys(s.ops))
}

// Len returns the number of recorded operations.
func (s Snapshot) Len() int { return len(s.ops) }

// IsEmpty reports whether no operation was recorded.
func (s Snapshot) IsEmpty() bool { return len(s.ops) == 0 }

// Total sums every operation.
func (s Snapshot) Total() OperationStats {
	var total OperationStats
	for _, v := range s.ops {
		total = total.Add(v)
	}
	return total
}

// Merge returns the union of s and o over the operation key space. Counts of
// operations present in both are summed; the window spans both inputs.
// Merge is commutative and associative.
func (s Snapshot) Merge(o Snapshot) Snapshot {
	out := Snapshot{
		begin: earliest(s.begin, o.begin),
		end:   latest(s.end, o.end),
		ops:   make(map[Operation]OperationStats, max(len(s.ops), len(o.ops))),
	}
	for op, v := range s.ops {
		out.ops[op] = v
	}
	for op, v := range o.ops {
		out.ops[op] = out.ops[op].Add(v)
	}
	return out
}

// MergeAll folds snapshots left to right.
func MergeAll(snaps ...Snapshot) Snapshot {
	out := Snapshot{ops: map[Operation]OperationStats{}}
	for _, s := range snaps {
		out = out.Merge(s)
	}
	return out
}

// Equal reports whether both snapshots hold the same window and counts.
func (s Snapshot) Equal(o Snapshot) bool {
	if !s.begin.Equal(o.begin) || !s.end.Equal(o.end) {
		return false
	}
	return maps.Equal(s.ops, o.ops)
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
