package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/core"
)

const defaultShards = 16

type counter struct {
	requests atomic.Int64
	errors   atomic.Int64
	timed    atomic.Int64
	nanos    atomic.Int64
}

type shard struct {
	mu  sync.Mutex
	ops map[Operation]*counter
}

// Statistics is the live, concurrently mutated accumulator.
//
// Recording methods share a read lock and update atomics, so any number of
// goroutines may record at once without lost updates. Copy, Merge and Reset
// take the exclusive lock: a snapshot waits for in-flight samples to land and
// holds off samples that start after it, so no half-applied sample is seen.
type Statistics struct {
	clock  core.Clock
	mu     sync.RWMutex
	shards []shard
	begin  time.Time
	end    time.Time
}

// Option configures a Statistics.
type Option func(*Statistics)

// WithClock sets the clock used by Begin and End.
func WithClock(c core.Clock) Option {
	return func(s *Statistics) { s.clock = c }
}

// WithShards sets the number of slot shards. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(s *Statistics) {
		if n > 0 {
			s.shards = make([]shard, n)
		}
	}
}

// New creates an empty Statistics.
func New(opts ...Option) *Statistics {
	s := &Statistics{
		clock:  core.RealClock{},
		shards: make([]shard, defaultShards),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].ops = make(map[Operation]*counter)
	}
	return s
}

// Begin marks the start of the measured window.
func (s *Statistics) Begin() {
	s.mu.Lock()
	s.begin = s.clock.Now()
	s.end = time.Time{}
	s.mu.Unlock()
}

// End marks the end of the measured window.
func (s *Statistics) End() {
	s.mu.Lock()
	s.end = s.clock.Now()
	s.mu.Unlock()
}

// RegisterRequest records one occurrence of op. slot is usually the id of the
// recording goroutine; any value is accepted.
func (s *Statistics) RegisterRequest(slot int, op Operation) {
	s.record(slot, op, -1, false)
}

// RegisterLatency records one successful occurrence of op that took d.
func (s *Statistics) RegisterLatency(slot int, op Operation, d time.Duration) {
	s.record(slot, op, d, false)
}

// RegisterError records one failed occurrence of op that took d.
func (s *Statistics) RegisterError(slot int, op Operation, d time.Duration) {
	s.record(slot, op, d, true)
}

func (s *Statistics) record(slot int, op Operation, d time.Duration, failed bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.counter(slot, op)
	c.requests.Add(1)
	if failed {
		c.errors.Add(1)
	}
	if d >= 0 {
		c.timed.Add(1)
		c.nanos.Add(int64(d))
	}
}

// counter returns the slot's counter for op. Called with s.mu held.
func (s *Statistics) counter(slot int, op Operation) *counter {
	sh := &s.shards[uint(slot)%uint(len(s.shards))]
	sh.mu.Lock()
	c, ok := sh.ops[op]
	if !ok {
		c = &counter{}
		sh.ops[op] = c
	}
	sh.mu.Unlock()
	return c
}

// Copy returns a snapshot consistent as of the call.
func (s *Statistics) Copy() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Drain returns a snapshot and resets the counters in one step. A sample
// lands either in the returned snapshot or in the next one, never both.
func (s *Statistics) Drain() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.copyLocked()
	s.resetLocked()
	return snap
}

func (s *Statistics) copyLocked() Snapshot {
	ops := make(map[Operation]OperationStats)
	for i := range s.shards {
		for op, c := range s.shards[i].ops {
			ops[op] = ops[op].Add(OperationStats{
				Requests:     c.requests.Load(),
				Errors:       c.errors.Load(),
				Timed:        c.timed.Load(),
				TotalLatency: time.Duration(c.nanos.Load()),
			})
		}
	}
	return Snapshot{begin: s.begin, end: s.end, ops: ops}
}

// Merge folds a snapshot into the live counters.
func (s *Statistics) Merge(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for op, v := range snap.ops {
		c := s.counter(0, op)
		c.requests.Add(v.Requests)
		c.errors.Add(v.Errors)
		c.timed.Add(v.Timed)
		c.nanos.Add(int64(v.TotalLatency))
	}
	s.begin = earliest(s.begin, snap.begin)
	s.end = latest(s.end, snap.end)
}

// Reset zeroes every counter and clears the window.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Statistics) resetLocked() {
	for i := range s.shards {
		s.shards[i].ops = make(map[Operation]*counter)
	}
	s.begin = time.Time{}
	s.end = time.Time{}
}
