// Package coordinator manages actor lifecycle for load-generating stages.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Actor performs one unit of load. Returning an error ends that actor.
type Actor interface {
	Act(ctx context.Context, actorID int) error
}

// ActorFunc adapts a function to Actor.
type ActorFunc func(ctx context.Context, actorID int) error

func (f ActorFunc) Act(ctx context.Context, actorID int) error { return f(ctx, actorID) }

// ErrActorPanic marks an actor that panicked.
var ErrActorPanic = errors.New("actor panic")

type Coordinator struct {
	nextID atomic.Int64
	wg     sync.WaitGroup
	log    *slog.Logger

	mu   sync.Mutex
	errs []error
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts count actors that call actor.Act in a loop until ctx is done
// or Act returns an error. Actor IDs start at 0 and are unique per coordinator.
func (c *Coordinator) Spawn(ctx context.Context, count int, actor Actor) {
	for i := 0; i < count; i++ {
		actorID := int(c.nextID.Add(1)) - 1
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			defer c.recoverPanic(id)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					if err := actor.Act(ctx, id); err != nil {
						if ctx.Err() == nil {
							c.fail(fmt.Errorf("actor %d: %w", id, err))
						}
						return
					}
				}
			}
		}(actorID)
	}
}

// Wait blocks until every actor has exited and returns their failures.
// Errors returned after ctx was done are treated as a normal stop.
func (c *Coordinator) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

// recoverPanic converts a panicking actor into a recorded failure.
func (c *Coordinator) recoverPanic(actorID int) {
	if r := recover(); r != nil {
		c.log.Error("actor panicked", "actor", actorID, "panic", r)
		c.fail(fmt.Errorf("%w: actor %d: %v", ErrActorPanic, actorID, r))
	}
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}
