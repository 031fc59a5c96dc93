// Package listener turns service event callbacks into statistics samples.
//
// A Bridge owns one callback per event variant. Registration goes through a
// negotiated trait.Listeners, so variants the service does not advertise are
// skipped rather than attempted.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/core"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

// DefaultSleepTime is the simulated work per callback when none is configured.
const DefaultSleepTime = 5 * time.Millisecond

type registration struct {
	scope string
	typ   trait.EventType
}

// Bridge registers instrumented callbacks with a service and records one
// sample per delivered event.
type Bridge struct {
	listeners *trait.Listeners
	stats     *stats.Statistics
	log       *slog.Logger

	simulate atomic.Bool
	sleep    atomic.Int64
	slot     atomic.Int64
	inflight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	callbacks map[trait.EventType]*callback

	mu         sync.Mutex
	registered map[registration]struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a bridge that records into s.
func New(l *trait.Listeners, s *stats.Statistics, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		listeners:  l,
		stats:      s,
		log:        slog.New(slog.DiscardHandler),
		ctx:        ctx,
		cancel:     cancel,
		callbacks:  make(map[trait.EventType]*callback, len(trait.EventTypes)),
		registered: make(map[registration]struct{}),
	}
	b.sleep.Store(int64(DefaultSleepTime))
	for _, typ := range trait.EventTypes {
		b.callbacks[typ] = &callback{bridge: b, typ: typ}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetWork changes the simulated work applied by subsequent callbacks.
func (b *Bridge) SetWork(simulate bool, d time.Duration) {
	b.sleep.Store(int64(d))
	b.simulate.Store(simulate)
}

// Statistics returns the instance callbacks record into.
func (b *Bridge) Statistics() *stats.Statistics { return b.stats }

// Register installs a callback on scope for every supported variant.
// Unsupported variants and variants already registered on scope are skipped.
func (b *Bridge) Register(scope string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, typ := range trait.EventTypes {
		if !b.listeners.IsSupported(typ) {
			b.log.Debug("listener variant not supported", "variant", typ.String(), "scope", scope)
			continue
		}
		key := registration{scope: scope, typ: typ}
		if _, ok := b.registered[key]; ok {
			continue
		}
		if err := b.listeners.Add(scope, typ, b.callbacks[typ]); err != nil {
			errs = append(errs, fmt.Errorf("add %s listener on %q: %w", typ, scope, err))
			continue
		}
		b.registered[key] = struct{}{}
		b.log.Debug("listener registered", "variant", typ.String(), "scope", scope)
	}
	return errors.Join(errs...)
}

// Unregister removes the callbacks previously installed on scope. Variants
// never registered are ignored.
func (b *Bridge) Unregister(scope string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, typ := range trait.EventTypes {
		key := registration{scope: scope, typ: typ}
		if _, ok := b.registered[key]; !ok {
			continue
		}
		if err := b.listeners.Remove(scope, typ, b.callbacks[typ]); err != nil {
			errs = append(errs, fmt.Errorf("remove %s listener on %q: %w", typ, scope, err))
			continue
		}
		delete(b.registered, key)
		b.log.Debug("listener unregistered", "variant", typ.String(), "scope", scope)
	}
	return errors.Join(errs...)
}

// Registered lists the variants currently registered on scope.
func (b *Bridge) Registered(scope string) []trait.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []trait.EventType
	for _, typ := range trait.EventTypes {
		if _, ok := b.registered[registration{scope: scope, typ: typ}]; ok {
			out = append(out, typ)
		}
	}
	return out
}

// InFlight returns the number of callbacks currently executing.
func (b *Bridge) InFlight() int64 { return b.inflight.Load() }

// Quiesce blocks until no callback is executing or ctx is done.
func (b *Bridge) Quiesce(ctx context.Context) error {
	if b.inflight.Load() == 0 {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.inflight.Load() == 0 {
				return nil
			}
		}
	}
}

// Close interrupts pending simulated work. Interrupted callbacks return
// without recording.
func (b *Bridge) Close() {
	b.cancel()
}

func (b *Bridge) deliver(typ trait.EventType) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	if b.simulate.Load() {
		if !core.Sleep(b.ctx, time.Duration(b.sleep.Load())) {
			return
		}
	}
	b.stats.RegisterRequest(int(b.slot.Add(1)), typ.Operation())
}

type callback struct {
	bridge *Bridge
	typ    trait.EventType
}

func (c *callback) OnEvent(_, _ any) { c.bridge.deliver(c.typ) }
