// Package worker executes dispatched stages against the local service and
// turns every outcome into an acknowledgement.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"conductor/internal/core"
	"conductor/internal/stage"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

// Worker runs one stage at a time for a single worker index.
type Worker struct {
	index    int
	stages   *stage.Registry
	log      *slog.Logger
	clock    core.Clock
	traitOps []trait.Option

	mu    sync.Mutex
	state *stage.State
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

func WithClock(c core.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithStages replaces the built-in stage registry.
func WithStages(r *stage.Registry) Option {
	return func(w *Worker) { w.stages = r }
}

// WithTraitOptions adjusts trait discovery on the attached service.
func WithTraitOptions(opts ...trait.Option) Option {
	return func(w *Worker) { w.traitOps = append(w.traitOps, opts...) }
}

// New attaches a worker to service.
func New(index int, service any, opts ...Option) *Worker {
	w := &Worker{
		index:  index,
		stages: stage.DefaultRegistry(),
		log:    slog.New(slog.DiscardHandler),
		clock:  core.RealClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("worker", index)
	traits := trait.NewRegistry(service, w.traitOps...)
	w.log.Info("service attached", "traits", fmt.Sprint(traits.Kinds()))
	w.state = stage.NewState(index, traits, w.log, w.clock)
	return w
}

func (w *Worker) Index() int { return w.index }

// State exposes the per-worker stage context.
func (w *Worker) State() *stage.State { return w.state }

// Execute builds and runs spec and always returns an ack. Failures carry the
// stage name and worker index.
func (w *Worker) Execute(ctx context.Context, spec stage.Spec) stage.Ack {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	log := w.log.With("stage", name)

	snap, err := w.run(ctx, spec)
	if err != nil {
		log.Error("stage failed", "error", err)
		return stage.Ack{
			Worker: w.index,
			Error:  fmt.Errorf("%w: stage %s on worker %d: %w", core.ErrWorkerExecution, name, w.index, err).Error(),
		}
	}
	log.Info("stage finished")
	return stage.Ack{Worker: w.index, Success: true, Statistics: snap}
}

func (w *Worker) run(ctx context.Context, spec stage.Spec) (snap *stats.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Debug("stage panic stack", "stack", string(debug.Stack()))
			snap, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	s, err := w.stages.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := w.state.Traits.Validate(s.Requirements()); err != nil {
		return nil, err
	}
	if err := s.Init(w.state.Traits); err != nil {
		return nil, err
	}
	return s.Execute(ctx, w.state)
}

// Close releases resources held across stages.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Close()
	return nil
}
