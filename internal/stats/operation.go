// Package stats implements the concurrent per-operation statistics engine.
//
// A live Statistics is mutated from arbitrarily many goroutines, typically
// listener callbacks owned by the service under test. Copy produces an
// immutable Snapshot that travels in an acknowledgement and is merged into
// the fleet-wide report on the master.
package stats

import "time"

// Operation identifies a measured operation, e.g. "CacheListeners.Created".
type Operation string

func (o Operation) String() string { return string(o) }

// OperationStats holds the accumulated data for one operation.
type OperationStats struct {
	Requests     int64         // every recorded occurrence
	Errors       int64         // occurrences recorded as failed
	Timed        int64         // occurrences that carried a latency
	TotalLatency time.Duration // sum over the timed occurrences
}

// Mean returns the mean latency of the timed occurrences.
func (s OperationStats) Mean() time.Duration {
	if s.Timed == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Timed)
}

// Add returns the element-wise sum of s and o.
func (s OperationStats) Add(o OperationStats) OperationStats {
	return OperationStats{
		Requests:     s.Requests + o.Requests,
		Errors:       s.Errors + o.Errors,
		Timed:        s.Timed + o.Timed,
		TotalLatency: s.TotalLatency + o.TotalLatency,
	}
}
