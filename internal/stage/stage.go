// Package stage defines the unit of benchmark work dispatched to every worker,
// the built-in stages, and the factory registry that builds them by type name.
package stage

import (
	"context"
	"log/slog"

	"conductor/internal/core"
	"conductor/internal/listener"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

// Stage runs once per worker per scenario. Implementations are created by a
// Definition's factory, initialized against the worker's traits, then executed.
type Stage interface {
	Name() string
	ExitOnFailure() bool
	Requirements() []trait.Requirement
	// Init resolves traits. Requirements have been validated already.
	Init(r *trait.Registry) error
	// Execute runs the stage body. The returned snapshot, if any, travels
	// in the worker's ack.
	Execute(ctx context.Context, st *State) (*stats.Snapshot, error)
}

// Reporter is implemented by stages whose results are folded into a named
// report test.
type Reporter interface {
	TestName() string
}

// Common holds the properties every stage accepts.
type Common struct {
	// ExitOnFailure stops the benchmark when the stage fails. Otherwise the
	// remaining stages of the current scenario are skipped.
	ExitOnFailure bool `yaml:"exitOnFailure"`
}

// Spec is a stage definition as dispatched to workers.
type Spec struct {
	Type string
	Name string
	// Properties is a YAML mapping of the stage's configuration.
	Properties []byte
}

// Ack is a worker's single reply to one stage dispatch.
type Ack struct {
	Worker     int
	Success    bool
	Error      string
	Statistics *stats.Snapshot
}

// State is the per-worker context shared by consecutive stages.
type State struct {
	WorkerIndex int
	Traits      *trait.Registry
	Log         *slog.Logger
	Clock       core.Clock

	// Listeners is created by the first stage that registers listeners and
	// reused by later ones so unregistration finds the same callbacks.
	Listeners *listener.Bridge
	// ListenerStats holds listener samples since the last listener snapshot.
	ListenerStats *stats.Statistics
}

// NewState creates the state of worker index over traits.
func NewState(index int, traits *trait.Registry, log *slog.Logger, clock core.Clock) *State {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &State{
		WorkerIndex:   index,
		Traits:        traits,
		Log:           log,
		Clock:         clock,
		ListenerStats: stats.New(stats.WithClock(clock)),
	}
}

// Close releases resources held across stages.
func (s *State) Close() {
	if s.Listeners != nil {
		s.Listeners.Close()
	}
}
