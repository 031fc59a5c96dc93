package memcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/trait"
)

type recorder struct {
	mu   sync.Mutex
	keys []any
}

func (r *recorder) OnEvent(key, _ any) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func TestCache_BasicOperations(t *testing.T) {
	c := New()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("empty cache returned a value")
	}
	if err := c.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := c.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Errorf("Get(a) = %q, %v, %v", v, ok, err)
	}
	removed, err := c.Remove(ctx, "a")
	if err != nil || !removed {
		t.Errorf("Remove(a) = %v, %v", removed, err)
	}
	if removed, _ := c.Remove(ctx, "a"); removed {
		t.Error("second Remove should report false")
	}
}

func TestCache_ScopesAreIsolated(t *testing.T) {
	c := New()
	ctx := context.Background()
	_ = c.PutTo(ctx, "users", "k", []byte("u"))
	_ = c.Put(ctx, "k", []byte("d"))

	if c.Size("users") != 1 || c.Size("") != 1 || c.Size(DefaultName) != 1 {
		t.Errorf("sizes: users=%d default=%d", c.Size("users"), c.Size(""))
	}
	v, _, _ := c.GetFrom(ctx, "users", "k")
	if string(v) != "u" {
		t.Errorf("GetFrom(users) = %q", v)
	}
}

func TestCache_Events(t *testing.T) {
	c := New(WithMaxEntries(2), WithSupported(trait.EventTypes...))
	ctx := context.Background()

	recs := make(map[trait.EventType]*recorder)
	for _, typ := range trait.EventTypes {
		recs[typ] = &recorder{}
		if err := c.AddListener("", typ, recs[typ]); err != nil {
			t.Fatal(err)
		}
	}

	_ = c.Put(ctx, "a", nil)  // created
	_ = c.Put(ctx, "a", nil)  // updated
	_ = c.Put(ctx, "b", nil)  // created
	_ = c.Put(ctx, "c", nil)  // created, evicts a
	_, _ = c.Remove(ctx, "b") // removed
	c.Expire("", "c")         // expired
	c.Flush()

	want := map[trait.EventType]int{
		trait.Created: 3,
		trait.Updated: 1,
		trait.Evicted: 1,
		trait.Removed: 1,
		trait.Expired: 1,
	}
	for typ, n := range want {
		if got := recs[typ].count(); got != n {
			t.Errorf("%s events = %d, want %d", typ, got, n)
		}
	}
	if recs[trait.Evicted].keys[0] != "a" {
		t.Errorf("evicted %v, want a", recs[trait.Evicted].keys[0])
	}
}

func TestCache_ListenerRegistration(t *testing.T) {
	c := New()
	r := &recorder{}

	if err := c.AddListener("", trait.Expired, r); err == nil {
		t.Error("Expired is not supported by default")
	}
	if err := c.RemoveListener("", trait.Created, r); err == nil {
		t.Error("removing an absent listener should fail")
	}
	if err := c.AddListener("", trait.Created, r); err != nil {
		t.Fatal(err)
	}
	if c.ListenerCount(DefaultName, trait.Created) != 1 {
		t.Error("listener should be attached to the default cache")
	}
	if err := c.RemoveListener(DefaultName, trait.Created, r); err != nil {
		t.Fatal(err)
	}
	_ = c.Put(context.Background(), "x", nil)
	c.Flush()
	if r.count() != 0 {
		t.Error("removed listener received an event")
	}
}

func TestCache_DelayHonorsContext(t *testing.T) {
	c := New()
	c.SetDelay(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := c.Put(ctx, "a", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Put() = %v, want deadline exceeded", err)
	}
}

func TestCache_Traits(t *testing.T) {
	r := trait.NewRegistry(New())
	if err := r.Validate([]trait.Requirement{
		trait.Require(trait.KindBasicOperations),
		trait.Require(trait.KindCacheInformation),
		trait.Require(trait.KindCacheListeners),
	}); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
