// Package protocol drives stages across the worker fleet: dispatch to every
// worker, collect one ack each within a bounded wait, aggregate, and apply the
// per-scenario failure policy.
package protocol

import (
	"context"

	"conductor/internal/stage"
	"conductor/internal/worker"
)

// Slave is the master's handle on one worker. Execute returns an error only
// when no ack could be obtained.
type Slave interface {
	Index() int
	Execute(ctx context.Context, spec stage.Spec) (stage.Ack, error)
}

// Pinger is implemented by slaves that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Local adapts an in-process worker.
func Local(w *worker.Worker) Slave {
	return localSlave{w: w}
}

type localSlave struct {
	w *worker.Worker
}

func (l localSlave) Index() int { return l.w.Index() }

func (l localSlave) Execute(ctx context.Context, spec stage.Spec) (stage.Ack, error) {
	return l.w.Execute(ctx, spec), nil
}

func (l localSlave) Ping(ctx context.Context) error { return ctx.Err() }
