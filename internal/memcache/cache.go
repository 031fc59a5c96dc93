// Package memcache is an in-memory service under test. It implements every
// trait the harness knows about, with a configurable supported event set.
package memcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"conductor/internal/trait"
)

// DefaultName is the cache addressed by the empty scope.
const DefaultName = "default"

// DefaultSupported is the event set advertised unless overridden.
var DefaultSupported = []trait.EventType{trait.Created, trait.Updated, trait.Removed, trait.Evicted}

var (
	_ trait.BasicOperations  = (*Cache)(nil)
	_ trait.CacheInformation = (*Cache)(nil)
	_ trait.CacheListeners   = (*Cache)(nil)
)

type store struct {
	data  map[string][]byte
	order []string
}

type Cache struct {
	maxEntries int
	supported  []trait.EventType
	log        *slog.Logger

	mu        sync.RWMutex
	delay     time.Duration
	stores    map[string]*store
	listeners map[string]map[trait.EventType][]trait.Listener

	pending sync.WaitGroup
}

type Option func(*Cache)

// WithMaxEntries bounds each scope; overflow evicts the oldest entry.
// Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithSupported overrides the advertised event set.
func WithSupported(types ...trait.EventType) Option {
	return func(c *Cache) { c.supported = slices.Clone(types) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		supported: slices.Clone(DefaultSupported),
		log:       slog.New(slog.DiscardHandler),
		stores:    make(map[string]*store),
		listeners: make(map[string]map[trait.EventType][]trait.Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) DefaultCacheName() string { return DefaultName }

// SetDelay sets a response delay applied to every basic operation.
func (c *Cache) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

func (c *Cache) wait(ctx context.Context) error {
	c.mu.RLock()
	d := c.delay
	c.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func scopeName(scope string) string {
	if scope == "" {
		return DefaultName
	}
	return scope
}

// Get reads key from the default cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.GetFrom(ctx, "", key)
}

// Put writes key to the default cache.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	return c.PutTo(ctx, "", key, value)
}

// Remove deletes key from the default cache.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	return c.RemoveFrom(ctx, "", key)
}

func (c *Cache) GetFrom(ctx context.Context, scope, key string) ([]byte, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stores[scopeName(scope)]
	if !ok {
		return nil, false, nil
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (c *Cache) PutTo(ctx context.Context, scope, key string, value []byte) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	name := scopeName(scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	if !ok {
		s = &store{data: make(map[string][]byte)}
		c.stores[name] = s
	}
	v := slices.Clone(value)
	if _, exists := s.data[key]; exists {
		s.data[key] = v
		c.emitLocked(name, trait.Updated, key, v)
		return nil
	}
	s.data[key] = v
	s.order = append(s.order, key)
	c.emitLocked(name, trait.Created, key, v)

	for c.maxEntries > 0 && len(s.data) > c.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		evicted := s.data[oldest]
		delete(s.data, oldest)
		c.log.Debug("entry evicted", "cache", name, "key", oldest)
		c.emitLocked(name, trait.Evicted, oldest, evicted)
	}
	return nil
}

func (c *Cache) RemoveFrom(ctx context.Context, scope, key string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	name := scopeName(scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.take(name, key)
	if !ok {
		return false, nil
	}
	c.emitLocked(name, trait.Removed, key, v)
	return true, nil
}

// Expire drops key as if its lifetime ended.
func (c *Cache) Expire(scope, key string) bool {
	name := scopeName(scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.take(name, key)
	if !ok {
		return false
	}
	c.emitLocked(name, trait.Expired, key, v)
	return true
}

func (c *Cache) take(name, key string) ([]byte, bool) {
	s, ok := c.stores[name]
	if !ok {
		return nil, false
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	delete(s.data, key)
	if i := slices.Index(s.order, key); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return v, true
}

// Size returns the entry count of scope.
func (c *Cache) Size(scope string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.stores[scopeName(scope)]; ok {
		return len(s.data)
	}
	return 0
}

func (c *Cache) SupportedListeners() []trait.EventType {
	return slices.Clone(c.supported)
}

func (c *Cache) AddListener(scope string, typ trait.EventType, l trait.Listener) error {
	if !slices.Contains(c.supported, typ) {
		return fmt.Errorf("memcache: %s listeners not supported", typ)
	}
	name := scopeName(scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	byType, ok := c.listeners[name]
	if !ok {
		byType = make(map[trait.EventType][]trait.Listener)
		c.listeners[name] = byType
	}
	byType[typ] = append(byType[typ], l)
	return nil
}

func (c *Cache) RemoveListener(scope string, typ trait.EventType, l trait.Listener) error {
	name := scopeName(scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	ls := c.listeners[name][typ]
	i := slices.Index(ls, l)
	if i < 0 {
		return fmt.Errorf("memcache: %s listener not registered on %q", typ, name)
	}
	c.listeners[name][typ] = slices.Delete(ls, i, i+1)
	return nil
}

// ListenerCount returns how many listeners are attached for typ on scope.
func (c *Cache) ListenerCount(scope string, typ trait.EventType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[scopeName(scope)][typ])
}

// emitLocked delivers an event to every listener on its own goroutine.
// Callers hold c.mu.
func (c *Cache) emitLocked(name string, typ trait.EventType, key string, value []byte) {
	for _, l := range c.listeners[name][typ] {
		c.pending.Add(1)
		go func(l trait.Listener) {
			defer c.pending.Done()
			l.OnEvent(key, value)
		}(l)
	}
}

// Flush waits for every event emitted so far to be delivered.
func (c *Cache) Flush() {
	c.pending.Wait()
}
