package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/core"
	"conductor/internal/memcache"
	"conductor/internal/trait"
)

func build(t *testing.T, typ, props string) Stage {
	t.Helper()
	s, err := DefaultRegistry().Build(Spec{Type: typ, Name: typ, Properties: []byte(props)})
	if err != nil {
		t.Fatalf("Build(%s) = %v", typ, err)
	}
	return s
}

func setup(t *testing.T, s Stage, service any) *State {
	t.Helper()
	traits := trait.NewRegistry(service)
	if err := traits.Validate(s.Requirements()); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if err := s.Init(traits); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	st := NewState(0, traits, nil, nil)
	t.Cleanup(st.Close)
	return st
}

func TestRegistry_Build(t *testing.T) {
	r := DefaultRegistry()
	want := []string{ClusterListenersType, RegisterListenersType, StressTestType}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	tests := []struct {
		name  string
		spec  Spec
		valid bool
	}{
		{"defaults", Spec{Type: StressTestType}, true},
		{"unknown type", Spec{Type: "nope"}, false},
		{"unknown property", Spec{Type: StressTestType, Properties: []byte("thread: 3")}, false},
		{"bad value", Spec{Type: StressTestType, Properties: []byte("threads: 0")}, false},
		{"bad mix", Spec{Type: StressTestType, Properties: []byte("writePercentage: 80\nremovePercentage: 30")}, false},
		{"negative sleep", Spec{Type: RegisterListenersType, Properties: []byte("sleepTime: -1ms")}, false},
		{"malformed", Spec{Type: RegisterListenersType, Properties: []byte("[")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build(tt.spec)
			if tt.valid && err != nil {
				t.Errorf("Build() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, core.ErrConfiguration) {
				t.Errorf("Build() = %v, want configuration error", err)
			}
		})
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	def := Definition{Type: "x", New: newStressTest}
	if err := r.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(def); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(Definition{Type: "y"}); err == nil {
		t.Error("definition without factory should fail")
	}
}

func TestRegisterListeners_Defaults(t *testing.T) {
	s := build(t, RegisterListenersType, "").(*RegisterListeners)
	cfg := s.Config()
	if cfg.SimulateWork || cfg.RegisterListeners || cfg.UnregisterListeners || cfg.ExitOnFailure {
		t.Errorf("flags should default to false: %+v", cfg)
	}
	if cfg.SleepTime.Std() != 5*time.Millisecond {
		t.Errorf("SleepTime = %v, want 5ms", cfg.SleepTime)
	}
	if s.TestName() != DefaultTestName {
		t.Errorf("TestName() = %q, want %q", s.TestName(), DefaultTestName)
	}
}

func TestRegisterListeners_Properties(t *testing.T) {
	s := build(t, RegisterListenersType, `
exitOnFailure: true
simulateWork: true
sleepTime: 10ms
registerListeners: true
cache: users
testName: listeners
`).(*RegisterListeners)
	cfg := s.Config()
	if !cfg.ExitOnFailure || !s.ExitOnFailure() {
		t.Error("exitOnFailure not decoded")
	}
	if !cfg.SimulateWork || cfg.SleepTime.Std() != 10*time.Millisecond || !cfg.RegisterListeners {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Cache != "users" || s.TestName() != "listeners" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestRegisterListeners_SkipsUnsupported(t *testing.T) {
	cache := memcache.New(memcache.WithSupported(trait.Created, trait.Removed), memcache.WithMaxEntries(1))
	s := build(t, RegisterListenersType, "registerListeners: true")
	st := setup(t, s, cache)

	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if !snap.IsEmpty() {
		t.Errorf("no events yet, got %v", snap.Operations())
	}
	if got := st.Listeners.Registered(""); len(got) != 2 {
		t.Errorf("Registered() = %v, want Created and Removed", got)
	}
	if cache.ListenerCount("", trait.Evicted) != 0 {
		t.Error("Evicted must not be registered")
	}

	ctx := context.Background()
	_ = cache.Put(ctx, "a", nil)
	_ = cache.Put(ctx, "b", nil) // evicts a
	_, _ = cache.Remove(ctx, "b")
	cache.Flush()

	// A later stage reports through the same state.
	s2 := build(t, RegisterListenersType, "unregisterListeners: true")
	if err := s2.Init(st.Traits); err != nil {
		t.Fatal(err)
	}
	snap, err = s2.Execute(ctx, st)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	created, _ := snap.Get(trait.Created.Operation())
	removed, _ := snap.Get(trait.Removed.Operation())
	if created.Requests != 2 || removed.Requests != 1 {
		t.Errorf("created=%d removed=%d, want 2 and 1", created.Requests, removed.Requests)
	}
	if _, ok := snap.Get(trait.Evicted.Operation()); ok {
		t.Error("evictions must not be recorded")
	}
	if cache.ListenerCount("", trait.Created) != 0 {
		t.Error("listeners should be unregistered")
	}
}

func TestRegisterListeners_SleepTimeFormats(t *testing.T) {
	tests := []struct {
		props string
		want  time.Duration
	}{
		{"sleepTime: 7", 7 * time.Millisecond},
		{"sleepTime: 0", 0},
		{"sleepTime: 2s", 2 * time.Second},
		{"sleepTime: 1500us", 1500 * time.Microsecond},
	}
	for _, tt := range tests {
		s := build(t, RegisterListenersType, tt.props).(*RegisterListeners)
		if got := s.Config().SleepTime.Std(); got != tt.want {
			t.Errorf("%q: SleepTime = %v, want %v", tt.props, got, tt.want)
		}
	}

	for _, bad := range []string{"sleepTime: soon", "sleepTime: -3"} {
		if _, err := DefaultRegistry().Build(Spec{Type: RegisterListenersType, Properties: []byte(bad)}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

// collect runs a reporting listener stage on st and returns the Created count.
func collect(t *testing.T, st *State, props string) int64 {
	t.Helper()
	s := build(t, RegisterListenersType, props)
	if err := s.Init(st.Traits); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	created, _ := snap.Get(trait.Created.Operation())
	return created.Requests
}

func TestRegisterListeners_IterationsReportOwnEvents(t *testing.T) {
	cache := memcache.New()
	ctx := context.Background()
	register := build(t, RegisterListenersType, "registerListeners: true")
	st := setup(t, register, cache)

	for i, key := range []string{"k1", "k2", "k3"} {
		if got := collect(t, st, "registerListeners: true"); got != 0 {
			t.Errorf("round %d: register snapshot has %d stale samples", i+1, got)
		}
		_ = cache.Put(ctx, key, nil)
		cache.Flush()
		if got := collect(t, st, "unregisterListeners: true\ntestName: listeners"); got != 1 {
			t.Errorf("round %d: Created = %d, want 1", i+1, got)
		}
	}
}

func TestRegisterListeners_SnapshotKeepsSimulatedWork(t *testing.T) {
	cache := memcache.New()
	register := build(t, RegisterListenersType, "registerListeners: true\nsimulateWork: true\nsleepTime: 50")
	st := setup(t, register, cache)
	if _, err := register.Execute(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	// A stage without flags only snapshots.
	if got := collect(t, st, ""); got != 0 {
		t.Errorf("Created = %d, want 0", got)
	}

	_ = cache.Put(context.Background(), "k", nil)
	deadline := time.Now().Add(time.Second)
	for st.Listeners.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("callback never observed in flight; simulated work was switched off")
		}
		time.Sleep(time.Millisecond)
	}
	cache.Flush()
	if got := collect(t, st, "unregisterListeners: true"); got != 1 {
		t.Errorf("Created = %d, want 1", got)
	}
}

func TestRegisterListeners_MissingTrait(t *testing.T) {
	traits := trait.NewRegistry(nil)

	s := build(t, RegisterListenersType, "registerListeners: true")
	if err := traits.Validate(s.Requirements()); err != nil {
		t.Fatalf("optional requirement should validate: %v", err)
	}
	if err := s.Init(traits); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Init() = %v, want configuration error", err)
	}

	s = build(t, RegisterListenersType, "")
	if err := s.Init(traits); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	snap, err := s.Execute(context.Background(), NewState(0, traits, nil, nil))
	if err != nil || snap == nil || !snap.IsEmpty() {
		t.Errorf("Execute() = %v, %v; want empty snapshot", snap, err)
	}
}

func TestStressTest_Defaults(t *testing.T) {
	s := build(t, StressTestType, "").(*StressTest)
	cfg := s.Config()
	if cfg.Threads != 10 || cfg.Duration != time.Second || cfg.NumEntries != 100 ||
		cfg.EntrySize != 100 || cfg.WritePercentage != 20 || cfg.RemovePercentage != 0 ||
		cfg.RequestsPerSec != 0 || s.TestName() != "stress" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestStressTest_Execute(t *testing.T) {
	cache := memcache.New()
	s := build(t, StressTestType, "threads: 4\nduration: 50ms\nwritePercentage: 50\nremovePercentage: 10")
	st := setup(t, s, cache)

	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	total := snap.Total()
	if total.Requests == 0 {
		t.Fatal("no requests recorded")
	}
	if total.Errors != 0 {
		t.Errorf("Errors = %d, want 0", total.Errors)
	}
	var sum int64
	for _, op := range snap.Operations() {
		os, _ := snap.Get(op)
		sum += os.Requests
	}
	if sum != total.Requests {
		t.Errorf("per-op sum %d != total %d", sum, total.Requests)
	}
	if snap.Begin().IsZero() || snap.End().Before(snap.Begin()) {
		t.Errorf("bad window %v..%v", snap.Begin(), snap.End())
	}
}

func TestStressTest_WritesOnly(t *testing.T) {
	s := build(t, StressTestType, "threads: 2\nduration: 20ms\nwritePercentage: 100\nnumEntries: 5")
	cache := memcache.New()
	st := setup(t, s, cache)

	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if ops := snap.Operations(); len(ops) != 1 || ops[0] != OpPut {
		t.Errorf("Operations() = %v, want only Put", ops)
	}
	if cache.Size("") > 5 {
		t.Errorf("Size() = %d, want at most numEntries", cache.Size(""))
	}
}

type failingOps struct {
	calls atomic.Int64
}

func (f *failingOps) Get(context.Context, string) ([]byte, bool, error) {
	f.calls.Add(1)
	return nil, false, errors.New("unavailable")
}

func (f *failingOps) Put(context.Context, string, []byte) error {
	return errors.New("unavailable")
}

func (f *failingOps) Remove(context.Context, string) (bool, error) {
	return false, errors.New("unavailable")
}

func TestStressTest_RecordsErrors(t *testing.T) {
	s := build(t, StressTestType, "threads: 1\nduration: 20ms\nwritePercentage: 0\nrequestsPerSec: 100")
	st := setup(t, s, &failingOps{})

	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	get, ok := snap.Get(OpGet)
	if !ok || get.Errors == 0 || get.Errors != get.Requests {
		t.Errorf("Get stats = %+v, want every request failed", get)
	}
}

func TestStressTest_MissingTrait(t *testing.T) {
	s := build(t, StressTestType, "")
	err := trait.NewRegistry(nil).Validate(s.Requirements())
	if !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Validate() = %v, want configuration error", err)
	}
}

func TestClusterListeners_Execute(t *testing.T) {
	cache := memcache.New(memcache.WithMaxEntries(10))
	s := build(t, ClusterListenersType, "enableClusterListeners: true\nthreads: 2\nduration: 30ms\nwritePercentage: 60\nremovePercentage: 20")
	st := setup(t, s, cache)

	snap, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if snap.Total().Requests == 0 {
		t.Error("no requests recorded")
	}
	cache.Flush()
	for _, typ := range clusterListenerTypes {
		if n := cache.ListenerCount("", typ); n != 0 {
			t.Errorf("%s listeners left attached: %d", typ, n)
		}
	}
}

func TestClusterListeners_RequiresVariants(t *testing.T) {
	cache := memcache.New(memcache.WithSupported(trait.Created, trait.Removed))
	traits := trait.NewRegistry(cache)

	s := build(t, ClusterListenersType, "enableClusterListeners: true")
	if err := s.Init(traits); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Init() = %v, want configuration error", err)
	}

	// Disabled listeners do not need the variants.
	s = build(t, ClusterListenersType, "")
	if err := s.Init(traits); err != nil {
		t.Errorf("Init() = %v", err)
	}
}

func TestClusterListeners_Requirements(t *testing.T) {
	s := build(t, ClusterListenersType, "")
	traits := trait.NewRegistry(&failingOps{})
	if err := traits.Validate(s.Requirements()); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Validate() = %v, want configuration error", err)
	}
}
