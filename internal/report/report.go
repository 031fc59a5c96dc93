// Package report accumulates folded stage results into named tests and renders
// them for the CLI.
package report

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"conductor/internal/stats"
)

// Sentinel test names whose results are computed but never recorded.
var discarded = []string{"", "FAKE_TEST", "warmup"}

// IsDiscarded reports whether results under name must not be persisted.
func IsDiscarded(name string) bool {
	name = strings.TrimSpace(name)
	for _, d := range discarded {
		if strings.EqualFold(name, d) {
			return true
		}
	}
	return false
}

// Report is the master's result store for one benchmark run.
type Report struct {
	RunID uuid.UUID

	mu    sync.Mutex
	tests map[string]*Test
	order []string
}

func New() *Report {
	return &Report{RunID: uuid.New(), tests: make(map[string]*Test)}
}

// GetOrCreateTest returns the test called name. When it does not exist and
// create is false, nil is returned.
func (r *Report) GetOrCreateTest(name string, create bool) *Test {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tests[name]; ok {
		return t
	}
	if !create {
		return nil
	}
	t := &Test{Name: name}
	r.tests[name] = t
	r.order = append(r.order, name)
	return t
}

// Tests returns every test in creation order.
func (r *Report) Tests() []*Test {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Test, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tests[name])
	}
	return out
}

// Iteration is one folded stage execution across the fleet.
type Iteration struct {
	// Index starts at 1 and grows by one per appended iteration.
	Index     int
	Aggregate stats.Snapshot
	PerWorker map[int]stats.Snapshot
}

// Workers returns the worker indexes that contributed, sorted.
func (it Iteration) Workers() []int {
	return slices.Sorted(maps.Keys(it.PerWorker))
}

// Test is an append-only sequence of iterations under one name.
type Test struct {
	Name string

	mu         sync.Mutex
	iterations []Iteration
}

// AddIteration merges perWorker into a new iteration and appends it.
func (t *Test) AddIteration(perWorker map[int]stats.Snapshot) Iteration {
	snaps := make([]stats.Snapshot, 0, len(perWorker))
	for _, w := range slices.Sorted(maps.Keys(perWorker)) {
		snaps = append(snaps, perWorker[w])
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	it := Iteration{
		Index:     len(t.iterations) + 1,
		Aggregate: stats.MergeAll(snaps...),
		PerWorker: maps.Clone(perWorker),
	}
	if it.PerWorker == nil {
		it.PerWorker = make(map[int]stats.Snapshot)
	}
	t.iterations = append(t.iterations, it)
	return it
}

// Iterations returns the recorded iterations in order.
func (t *Test) Iterations() []Iteration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.iterations)
}

// Len returns the number of recorded iterations.
func (t *Test) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.iterations)
}
